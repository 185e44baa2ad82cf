package ftpengine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpengine"
	"github.com/gonzalop/ftpengine/internal/ftptest"
	"github.com/gonzalop/ftpengine/listing"
)

func newEngine(t *testing.T, opts ...ftpengine.Option) *ftpengine.Engine {
	t.Helper()
	opts = append([]ftpengine.Option{ftpengine.WithTimeout(5 * time.Second)}, opts...)
	e, err := ftpengine.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func serverOf(srv *ftptest.Server) ftpengine.Server {
	return ftpengine.Server{
		Protocol: ftpengine.ProtocolFTP,
		Host:     srv.Host(),
		Port:     srv.Port(),
		User:     "anonymous",
		Password: "anonymous@",
	}
}

func next(t *testing.T, e *ftpengine.Engine) ftpengine.Notification {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		if n, ok := e.TakeNext(); ok {
			return n
		}
		select {
		case <-e.Ready():
		case <-timeout:
			t.Fatal("timed out waiting for a notification")
			return nil
		}
	}
}

// complete collects notifications up to the OperationComplete of the
// current command.
func complete(t *testing.T, e *ftpengine.Engine) (ftpengine.OperationComplete, []ftpengine.Notification) {
	t.Helper()
	var seen []ftpengine.Notification
	for {
		n := next(t, e)
		if oc, ok := n.(ftpengine.OperationComplete); ok {
			return oc, seen
		}
		seen = append(seen, n)
	}
}

// asyncRequest skips activity notifications up to the next async request.
func asyncRequest(t *testing.T, e *ftpengine.Engine) ftpengine.AsyncRequestNotification {
	t.Helper()
	for {
		switch n := next(t, e).(type) {
		case ftpengine.ActiveStatus:
		case ftpengine.AsyncRequestNotification:
			return n
		default:
			t.Fatalf("unexpected notification %#v", n)
		}
	}
}

func listingOf(t *testing.T, ns []ftpengine.Notification) []string {
	t.Helper()
	for _, n := range ns {
		if ready, ok := n.(ftpengine.DirectoryListingReady); ok {
			defer ready.Listing.Release()
			return ready.Listing.Names()
		}
	}
	t.Fatal("no DirectoryListingReady notification")
	return nil
}

func connect(t *testing.T, e *ftpengine.Engine, srv *ftptest.Server) {
	t.Helper()
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Connect(serverOf(srv)))
	oc, _ := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply, "connect: %s", oc.Reply)
	require.True(t, e.IsConnected())
}

func TestFTPConnectAndList(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/pub/readme.txt", []byte("hello"))
	srv.AddDir("/pub/incoming")

	e := newEngine(t)
	connect(t, e, srv)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/pub", "", false))
	oc, seen := complete(t, e)
	assert.Equal(t, ftpengine.OperationComplete{Command: ftpengine.KindList, Reply: ftpengine.ReplyOK}, oc)
	assert.Equal(t, []string{"incoming", "readme.txt"}, listingOf(t, seen))
	assert.Contains(t, seen, ftpengine.Notification(ftpengine.ActiveStatus{Direction: ftpengine.DirectionRecv}))

	// Served from the cache without a round trip
	listings := len(filter(srv.Commands(), "LIST"))
	require.Equal(t, ftpengine.ReplyOK, e.List("/pub", "", false))
	assert.Equal(t, []string{"incoming", "readme.txt"}, listingOf(t, []ftpengine.Notification{next(t, e)}))
	assert.Len(t, filter(srv.Commands(), "LIST"), listings)

	// Refresh goes to the server
	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/pub", "", true))
	oc, _ = complete(t, e)
	assert.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.Len(t, filter(srv.Commands(), "LIST"), listings+1)
}

func TestFTPListCurrentDirectory(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/a.txt", []byte("a"))

	e := newEngine(t)
	connect(t, e, srv)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("", "", false))
	oc, seen := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.Equal(t, []string{"a.txt"}, listingOf(t, seen))

	// The listing was cached under the working directory
	require.Equal(t, ftpengine.ReplyOK, e.List("/", "", false))
	assert.IsType(t, ftpengine.DirectoryListingReady{}, next(t, e))
}

func TestFTPListMissingDirectory(t *testing.T) {
	srv := ftptest.New(t)
	e := newEngine(t)
	connect(t, e, srv)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/missing", "", false))
	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.ReplyError, oc.Reply)
	assert.True(t, e.IsConnected(), "a server error keeps the session")
}

func TestFTPPasswordFailure(t *testing.T) {
	srv := ftptest.New(t)
	srv.SetCredentials("alice", "secret")

	e := newEngine(t)
	server := serverOf(srv)
	server.User, server.Password = "alice", "wrong"

	require.Equal(t, ftpengine.ReplyWouldBlock, e.Connect(server))
	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.ReplyPasswordFailed|ftpengine.ReplyDisconnected, oc.Reply)
	assert.ErrorIs(t, oc.Reply.Err(), ftpengine.ErrPasswordFailed)
	assert.False(t, e.IsConnected())

	server.Password = "secret"
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Connect(server))
	oc, _ = complete(t, e)
	assert.Equal(t, ftpengine.ReplyOK, oc.Reply)
}

func TestFTPDownload(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/pub/data.bin", []byte("0123456789"))

	e := newEngine(t)
	connect(t, e, srv)

	local := filepath.Join(t.TempDir(), "data.bin")
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/pub", "data.bin", true))
	oc, _ := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

func TestFTPDownloadExistingFile(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/data.bin", []byte("0123456789"))

	tests := []struct {
		name   string
		action ftpengine.Action
		want   string
	}{
		{"resume", ftpengine.ActionResume, "0123456789"},
		{"overwrite", ftpengine.ActionOverwrite, "0123456789"},
		{"skip", ftpengine.ActionSkip, "0123"},
	}

	e := newEngine(t)
	connect(t, e, srv)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := filepath.Join(t.TempDir(), "data.bin")
			require.NoError(t, os.WriteFile(local, []byte("0123"), 0o644))

			require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/", "data.bin", true))
			req := asyncRequest(t, e)
			fe, ok := req.Request.(ftpengine.FileExistsRequest)
			require.True(t, ok)
			assert.Equal(t, local, fe.LocalFile)
			assert.Equal(t, int64(4), fe.LocalSize)
			assert.True(t, fe.Download)

			// Only the latest token is accepted
			assert.False(t, e.SubmitAsyncReply(ftpengine.AsyncReply{Token: req.Token - 1, Action: tt.action}))
			require.True(t, e.SubmitAsyncReply(ftpengine.AsyncReply{Token: req.Token, Action: tt.action}))

			oc, _ := complete(t, e)
			require.Equal(t, ftpengine.ReplyOK, oc.Reply)

			got, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestFTPUpload(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/pub/old.txt", []byte("old"))

	e := newEngine(t)
	connect(t, e, srv)

	// Prime the cache
	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/pub", "", false))
	oc, seen := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)
	require.Equal(t, []string{"old.txt"}, listingOf(t, seen))

	local := filepath.Join(t.TempDir(), "new.txt")
	require.NoError(t, os.WriteFile(local, []byte("fresh"), 0o644))

	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/pub", "new.txt", false))
	oc, _ = complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)

	got, ok := srv.File("/pub/new.txt")
	require.True(t, ok)
	assert.Equal(t, "fresh", string(got))

	// The cached listing now has an unsure entry, so List fetches again
	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/pub", "", false))
	oc, seen = complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.Equal(t, []string{"new.txt", "old.txt"}, listingOf(t, seen))
}

func TestFTPUploadExistingFile(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/log.txt", []byte("abc"))

	e := newEngine(t)
	connect(t, e, srv)

	local := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(local, []byte("abcdef"), 0o644))

	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/", "log.txt", false))
	req := asyncRequest(t, e)
	fe, ok := req.Request.(ftpengine.FileExistsRequest)
	require.True(t, ok)
	assert.Equal(t, int64(3), fe.RemoteSize)
	assert.False(t, fe.Download)

	require.True(t, e.SubmitAsyncReply(ftpengine.AsyncReply{Token: req.Token, Action: ftpengine.ActionResume}))
	oc, _ := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)

	got, _ := srv.File("/log.txt")
	assert.Equal(t, "abcdef", string(got))
	assert.Contains(t, srv.Commands(), "APPE")
}

func TestFTPCancelFileExistsRequest(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/a.txt", []byte("a"))

	e := newEngine(t)
	connect(t, e, srv)

	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/", "a.txt", true))
	req := asyncRequest(t, e)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.Cancel())
	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.ReplyCanceled, oc.Reply)
	assert.True(t, e.IsConnected())

	// The request is gone
	assert.False(t, e.SubmitAsyncReply(ftpengine.AsyncReply{Token: req.Token}))
}

func TestFTPCancelTransfer(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/slow.bin", []byte("payload"))
	release := srv.Block("RETR")
	defer release()

	e := newEngine(t)
	connect(t, e, srv)

	local := filepath.Join(t.TempDir(), "slow.bin")
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/", "slow.bin", true))
	require.Eventually(t, func() bool {
		return len(filter(srv.Commands(), "RETR")) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.Cancel())
	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.KindTransfer, oc.Command)
	assert.True(t, oc.Reply.Has(ftpengine.ReplyCanceled), "got %s", oc.Reply)
	assert.True(t, oc.Reply.Has(ftpengine.ReplyDisconnected), "got %s", oc.Reply)
	assert.False(t, e.IsConnected())
	assert.NoFileExists(t, local, "partial download is removed")
}

func TestFTPRawCommand(t *testing.T) {
	srv := ftptest.New(t)
	e := newEngine(t)
	connect(t, e, srv)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.RawCommand("NOOP"))
	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.OperationComplete{Command: ftpengine.KindRaw, Reply: ftpengine.ReplyOK}, oc)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.RawCommand("BOGUS"))
	oc, _ = complete(t, e)
	assert.Equal(t, ftpengine.ReplyError, oc.Reply)
	assert.True(t, e.IsConnected())
}

func TestFTPDisconnect(t *testing.T) {
	srv := ftptest.New(t)
	e := newEngine(t)
	connect(t, e, srv)

	assert.Equal(t, ftpengine.ReplyOK, e.Disconnect())
	assert.False(t, e.IsConnected())
	require.Eventually(t, func() bool {
		return len(filter(srv.Commands(), "QUIT")) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, ftpengine.ReplyNotConnected, e.RawCommand("NOOP"))
	connect(t, e, srv)
}

func TestFTPDisconnectDoesNotWaitForQuit(t *testing.T) {
	srv := ftptest.New(t)
	release := srv.Block("QUIT")
	defer release()

	e := newEngine(t)
	connect(t, e, srv)

	start := time.Now()
	assert.Equal(t, ftpengine.ReplyOK, e.Disconnect())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The engine takes commands while the server sits on QUIT
	start = time.Now()
	assert.Equal(t, ftpengine.ReplyNotConnected, e.RawCommand("NOOP"))
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Connect(serverOf(srv)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.True(t, e.IsConnected())
}

func TestFTPActiveMode(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/pub/readme.txt", []byte("hello"))

	e := newEngine(t, ftpengine.WithActiveMode())
	connect(t, e, srv)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/pub", "", false))
	oc, seen := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.Equal(t, []string{"readme.txt"}, listingOf(t, seen))

	local := filepath.Join(t.TempDir(), "readme.txt")
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/pub", "readme.txt", true))
	oc, _ = complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	commands := srv.Commands()
	assert.Len(t, filter(commands, "PORT"), 2)
	assert.NotContains(t, commands, "EPSV")
	assert.NotContains(t, commands, "PASV")
}

func TestFTPListUsesMLSD(t *testing.T) {
	srv := ftptest.New(t)
	srv.EnableMLSD()
	srv.AddFile("/pub/readme.txt", []byte("hello"))
	srv.AddDir("/pub/incoming")

	e := newEngine(t)
	connect(t, e, srv)

	require.Equal(t, ftpengine.ReplyWouldBlock, e.List("/pub", "", false))
	oc, seen := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)

	var l *listing.Listing
	for _, n := range seen {
		if ready, ok := n.(ftpengine.DirectoryListingReady); ok {
			l = ready.Listing
		}
	}
	require.NotNil(t, l)
	defer l.Release()

	require.Equal(t, []string{"incoming", "readme.txt"}, l.Names())
	assert.True(t, l.At(0).Dir)

	file := l.At(1)
	assert.Equal(t, int64(5), file.Size)
	assert.Equal(t, listing.PrecisionDateTime, file.Precision)
	assert.True(t, file.Time.Equal(ftptest.ModTime))
	assert.Equal(t, "0644", file.Permissions)

	commands := srv.Commands()
	assert.Contains(t, commands, "FEAT")
	assert.Contains(t, commands, "MLSD")
	assert.NotContains(t, commands, "LIST")
}

func TestFTPKeepAlive(t *testing.T) {
	srv := ftptest.New(t)
	e := newEngine(t, ftpengine.WithIdleTimeout(50*time.Millisecond))
	connect(t, e, srv)

	require.Eventually(t, func() bool {
		return len(filter(srv.Commands(), "NOOP")) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// Commands interleave with keep-alives on the same connection
	require.Equal(t, ftpengine.ReplyWouldBlock, e.RawCommand("SYST"))
	oc, _ := complete(t, e)
	assert.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.True(t, e.IsConnected())

	// No keep-alive once disconnected
	require.Equal(t, ftpengine.ReplyOK, e.Disconnect())
	time.Sleep(100 * time.Millisecond)
	noops := len(filter(srv.Commands(), "NOOP"))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, filter(srv.Commands(), "NOOP"), noops)
}

func TestFTPOperationWaitsForKeepAlive(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/pub/readme.txt", []byte("hello"))
	release := srv.Block("NOOP")
	defer release()

	e := newEngine(t, ftpengine.WithIdleTimeout(50*time.Millisecond))
	connect(t, e, srv)

	require.Eventually(t, func() bool {
		return len(filter(srv.Commands(), "NOOP")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The download must not share the control connection with the NOOP
	local := filepath.Join(t.TempDir(), "readme.txt")
	start := time.Now()
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/pub", "readme.txt", true))
	time.AfterFunc(200*time.Millisecond, release)

	oc, _ := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, e.IsConnected())
}

func TestFTPNoKeepAliveByDefault(t *testing.T) {
	srv := ftptest.New(t)
	e := newEngine(t)
	connect(t, e, srv)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, filter(srv.Commands(), "NOOP"))
}

func TestFTPBandwidthLimit(t *testing.T) {
	srv := ftptest.New(t)
	srv.AddFile("/big.bin", make([]byte, 20*1024))

	e := newEngine(t, ftpengine.WithBandwidthLimit(10*1024), ftpengine.WithDisableEPSV())
	connect(t, e, srv)

	local := filepath.Join(t.TempDir(), "big.bin")
	start := time.Now()
	require.Equal(t, ftpengine.ReplyWouldBlock, e.Transfer(local, "/", "big.bin", true))
	oc, _ := complete(t, e)
	require.Equal(t, ftpengine.ReplyOK, oc.Reply)

	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Contains(t, srv.Commands(), "PASV")
	assert.NotContains(t, srv.Commands(), "EPSV")
}

func filter(commands []string, verb string) []string {
	var out []string
	for _, c := range commands {
		if c == verb {
			out = append(out, c)
		}
	}
	return out
}
