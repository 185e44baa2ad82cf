package ftpengine

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftpengine/internal/ftpconn"
	"github.com/gonzalop/ftpengine/listing"
)

// quitTimeout bounds the QUIT exchange on disconnect.
const quitTimeout = time.Second

type ftpSettings struct {
	timeout     time.Duration
	idleTimeout time.Duration
	tlsConfig   *tls.Config
	bandwidth   int64
	disableEPSV bool
	activeMode  bool
}

func (e *Engine) newFTPTransport(session TransportSession) Transport {
	return &ftpTransport{
		session:  session,
		settings: e.ftp,
		logger:   session.Logger().With("transport", "ftp"),
	}
}

// ftpTransport runs FTP operations on top of ftpconn. Each operation runs
// on its own goroutine and posts its result back to the control loop; every
// field below is owned by the loop.
type ftpTransport struct {
	session  TransportSession
	settings ftpSettings
	logger   *slog.Logger

	server    Server
	hasServer bool
	conn      *ftpconn.Conn
	resolve   *ResolveTask

	// seq identifies the operation in flight; results of older ones are dropped
	seq    uint64
	cancel context.CancelFunc

	// pending waits for the answer to a FileExistsRequest
	pending *ftpTransfer
	xfer    *ftpTransfer

	// keep-alive state; idleGen invalidates timers that already fired
	idle       *time.Timer
	idleGen    uint64
	noopCancel context.CancelFunc
	noopDone   chan struct{}
}

// ftpTransfer is one file transfer. The counters are written by the
// transfer goroutine and read on the loop.
type ftpTransfer struct {
	local    string
	dir      string
	name     string
	download bool

	localSize  int64
	remoteSize int64

	status       TransferStatus
	transferred  atomic.Int64
	total        atomic.Int64
	activeQueued atomic.Bool
	lastReported int64
	err          error
}

func (x *ftpTransfer) remote() string {
	if x.dir == "" {
		return x.name
	}
	return path.Join(x.dir, x.name)
}

func (x *ftpTransfer) direction() Direction {
	if x.download {
		return DirectionRecv
	}
	return DirectionSend
}

// run starts work on a goroutine. done is called on the loop with its result
// unless the operation was superseded or the engine closed first, in which
// case discard is called instead (it may be nil). Exactly one of them runs.
func (t *ftpTransport) run(work func(ctx context.Context) error, done func(err error), discard func()) Reply {
	t.seq++
	seq := t.seq

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.pauseKeepAlive()
	noop := t.noopDone

	dropped := func() {
		cancel()
		if discard != nil {
			discard()
		}
	}

	t.session.Go(func() {
		var err error
		if noop != nil {
			select {
			case <-noop:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err == nil {
			err = work(ctx)
		}

		posted := t.session.Post(func() {
			if seq != t.seq {
				dropped()
				return
			}
			t.cancel()
			t.cancel = nil
			done(err)
		}, dropped)
		if !posted {
			dropped()
		}
	})
	return ReplyWouldBlock
}

func (t *ftpTransport) Connect(server Server) Reply {
	t.server, t.hasServer = server, true
	t.resolve = t.session.ResolveHost(server.Host)
	return ReplyWouldBlock
}

func (t *ftpTransport) ContinueConnect() {
	task := t.resolve
	t.resolve = nil
	if task == nil || !task.Done() {
		return
	}

	if err := task.Err(); err != nil || len(task.Addrs()) == 0 {
		t.logger.Error("could not resolve host", "host", task.Host(), "error", err)
		t.finish(ReplyError | ReplyDisconnected)
		return
	}

	srv := t.server
	addrs := task.Addrs()
	opts := t.connOptions(srv)

	var conn *ftpconn.Conn
	t.run(func(ctx context.Context) error {
		var err error
		for _, a := range addrs {
			addr := net.JoinHostPort(a, strconv.Itoa(srv.Port))
			t.logger.Info("connecting", "addr", addr, "tls", srv.TLS)

			var c *ftpconn.Conn
			c, err = ftpconn.Dial(ctx, addr, opts...)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				continue
			}
			if err = c.Login(ctx, srv.User, srv.Password); err != nil {
				c.Close()
				return err
			}
			if _, err = c.Features(ctx); err != nil {
				c.Close()
				return err
			}
			conn = c
			return nil
		}
		return err
	}, func(err error) {
		if err != nil {
			res := t.failure(err) | ReplyDisconnected
			t.logger.Error("connect failed", "server", srv, "error", err, "reply", res)
			t.finish(res)
			return
		}
		t.logger.Info("connected", "server", srv)
		t.conn = conn
		t.finish(ReplyOK)
	}, func() {
		if conn != nil {
			conn.Close()
		}
	})
}

func (t *ftpTransport) connOptions(srv Server) []ftpconn.Option {
	opts := []ftpconn.Option{
		ftpconn.WithTimeout(t.settings.timeout),
		ftpconn.WithLogger(t.logger),
	}
	if t.settings.bandwidth > 0 {
		opts = append(opts, ftpconn.WithBandwidthLimit(t.settings.bandwidth))
	}
	if t.settings.disableEPSV {
		opts = append(opts, ftpconn.WithDisableEPSV())
	}
	if t.settings.activeMode {
		opts = append(opts, ftpconn.WithActiveMode())
	}

	if srv.TLS != TLSNone {
		cfg := &tls.Config{}
		if t.settings.tlsConfig != nil {
			cfg = t.settings.tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = srv.Host
		}
		if srv.TLS == TLSImplicit {
			opts = append(opts, ftpconn.WithImplicitTLS(cfg))
		} else {
			opts = append(opts, ftpconn.WithExplicitTLS(cfg))
		}
	}
	return opts
}

// Disconnect closes the session. QUIT is sent in the background and the
// connection closed after it, or after quitTimeout; Engine.Close joins it.
func (t *ftpTransport) Disconnect() Reply {
	t.stopKeepAlive()
	conn := t.conn
	t.conn = nil
	if conn == nil {
		return ReplyOK
	}

	t.session.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		defer cancel()
		_ = conn.Quit(ctx)
	})
	t.logger.Info("disconnected", "server", t.server)
	return ReplyOK
}

func (t *ftpTransport) List(dir, subDir string) Reply {
	conn := t.conn
	srv := t.server

	var l *listing.Listing
	return t.run(func(ctx context.Context) error {
		if dir != "" {
			if err := conn.ChangeDir(ctx, dir); err != nil {
				return err
			}
		}
		if subDir != "" {
			if err := conn.ChangeDir(ctx, subDir); err != nil {
				return err
			}
		}
		pwd, err := conn.CurrentDir(ctx)
		if err != nil {
			return err
		}

		var entries []listing.Entry
		if conn.HasFeature("MLST") {
			entries, err = conn.MLList(ctx, "")
		} else {
			entries, err = conn.List(ctx, "")
		}
		if err != nil {
			return err
		}

		if dir == "" {
			l = listing.New(pwd, "", entries)
		} else {
			l = listing.New(dir, subDir, entries)
		}
		return nil
	}, func(err error) {
		if err != nil {
			t.finish(t.failure(err))
			return
		}

		t.logger.Debug("listing received", "path", l.Path, "subdir", l.SubDir, "entries", l.Len())
		t.session.SetActive(DirectionRecv)
		if cache := t.session.Cache(); cache != nil {
			cache.Store(srv, l)
		}
		t.session.AddNotification(DirectoryListingReady{Listing: l})
		t.finish(ReplyOK)
	}, func() {
		if l != nil {
			l.Release()
		}
	})
}

func (t *ftpTransport) Transfer(localFile, remotePath, remoteFile string, download bool) Reply {
	x := &ftpTransfer{
		local:      localFile,
		dir:        remotePath,
		name:       remoteFile,
		download:   download,
		remoteSize: -1,
	}

	if download {
		if info, err := os.Stat(localFile); err == nil {
			x.localSize = info.Size()
			t.askFileExists(x)
			return ReplyWouldBlock
		}
		return t.startTransfer(x, 0)
	}

	info, err := os.Stat(localFile)
	if err != nil {
		t.logger.Error("cannot read local file", "file", localFile, "error", err)
		return ReplyError
	}
	x.localSize = info.Size()

	// A remote file of the same name needs the user's decision first
	conn := t.conn
	var size int64
	return t.run(func(ctx context.Context) error {
		var err error
		size, err = conn.Size(ctx, x.remote())
		return err
	}, func(err error) {
		var pe *ftpconn.ProtocolError
		switch {
		case err == nil:
			x.remoteSize = size
			t.askFileExists(x)
		case errors.As(err, &pe):
			t.finishStart(t.startTransfer(x, 0))
		default:
			t.finish(t.failure(err))
		}
	}, nil)
}

func (t *ftpTransport) askFileExists(x *ftpTransfer) {
	t.pending = x
	token := t.session.NextAsyncRequestToken()
	t.session.AddNotification(AsyncRequestNotification{
		Token: token,
		Request: FileExistsRequest{
			LocalFile:  x.local,
			LocalSize:  x.localSize,
			RemotePath: x.dir,
			RemoteFile: x.name,
			RemoteSize: x.remoteSize,
			Download:   x.download,
		},
	})
}

func (t *ftpTransport) SetAsyncReply(reply AsyncReply) {
	x := t.pending
	if x == nil {
		t.logger.Debug("async reply without pending request", "token", reply.Token)
		return
	}
	t.pending = nil

	switch reply.Action {
	case ActionSkip:
		t.logger.Info("transfer skipped", "file", x.local)
		t.finish(ReplyOK)
	case ActionResume:
		offset := x.localSize
		if !x.download {
			offset = max(x.remoteSize, 0)
		}
		t.finishStart(t.startTransfer(x, offset))
	default:
		t.finishStart(t.startTransfer(x, 0))
	}
}

// finishStart finalizes a transfer that failed to start outside of Command.
func (t *ftpTransport) finishStart(res Reply) {
	if res != ReplyWouldBlock {
		t.finish(res)
	}
}

func (t *ftpTransport) startTransfer(x *ftpTransfer, offset int64) Reply {
	var (
		f   *os.File
		err error
	)
	if x.download {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if offset > 0 {
			flags = os.O_WRONLY | os.O_APPEND
		}
		f, err = os.OpenFile(x.local, flags, 0o644)
		x.total.Store(-1)
	} else {
		f, err = os.Open(x.local)
		if err == nil && offset > 0 {
			_, err = f.Seek(offset, io.SeekStart)
		}
		x.total.Store(x.localSize)
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		t.logger.Error("cannot open local file", "file", x.local, "error", err)
		return ReplyError
	}

	x.status = TransferStatus{
		Download:      x.download,
		StartOffset:   offset,
		CurrentOffset: offset,
		Started:       time.Now(),
	}
	t.xfer = x
	t.logger.Info("transfer started", "local", x.local, "remote", x.remote(), "download", x.download, "offset", offset)

	conn := t.conn
	progress := func(n int64) {
		x.transferred.Store(n)
		if x.activeQueued.CompareAndSwap(false, true) {
			t.session.Post(func() {
				x.activeQueued.Store(false)
				t.session.SetActive(x.direction())
			}, nil)
		}
	}

	return t.run(func(ctx context.Context) error {
		defer f.Close()

		if x.download {
			if size, err := conn.Size(ctx, x.remote()); err == nil {
				x.total.Store(size)
			} else if ctx.Err() != nil {
				return err
			}
			return conn.Retrieve(ctx, x.remote(), &ftpconn.ProgressWriter{Writer: f, Callback: progress}, offset)
		}
		return conn.Store(ctx, x.remote(), &ftpconn.ProgressReader{Reader: f, Callback: progress}, offset)
	}, func(err error) {
		x.err = err
		t.session.SignalTransferEnd(endReason(err))
	}, nil)
}

func endReason(err error) TransferEndReason {
	switch {
	case err == nil:
		return TransferEndSuccess
	case errors.Is(err, context.Canceled):
		return TransferEndCanceled
	case isTimeout(err):
		return TransferEndTimeout
	default:
		return TransferEndFailure
	}
}

func (t *ftpTransport) TransferEnd(reason TransferEndReason) {
	x := t.xfer
	if x == nil {
		return
	}
	t.xfer = nil

	moved := x.transferred.Load()
	elapsed := time.Since(x.status.Started)

	if reason == TransferEndSuccess {
		t.logger.Info("transfer complete", "remote", x.remote(), "bytes", moved, "duration", elapsed)
		t.session.RecordTransfer(x.download, moved, elapsed)
		if !x.download {
			t.markUploaded(x, x.status.StartOffset+moved)
		}
		t.finish(ReplyOK)
		return
	}

	if x.download && x.status.StartOffset == 0 {
		if err := os.Remove(x.local); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("could not remove partial download", "file", x.local, "error", err)
		}
	}

	res := t.failure(x.err)
	t.logger.Error("transfer failed", "remote", x.remote(), "reason", reason, "error", x.err, "reply", res)
	t.finish(res)
}

// markUploaded records an uploaded file in the cached listing of its
// directory as unsure, so the next List fetches the directory again.
func (t *ftpTransport) markUploaded(x *ftpTransfer, size int64) {
	cache := t.session.Cache()
	if cache == nil || x.dir == "" {
		return
	}

	l, ok := cache.Lookup(t.server, x.dir, "")
	if !ok {
		return
	}
	defer l.Release()

	if i := l.FindFile(x.name); i >= 0 {
		l.Update(i, func(e *listing.Entry) {
			e.Size = size
			e.Unsure = true
		})
		l.Unsure |= listing.UnsureFileChanged
	} else {
		n := l.Len()
		l.SetCount(n + 1)
		l.Update(n, func(e *listing.Entry) {
			*e = listing.Entry{Name: x.name, Size: size, Unsure: true}
		})
		l.Unsure |= listing.UnsureFileAdded
	}
	cache.Store(t.server, l)
}

func (t *ftpTransport) RawCommand(command string) Reply {
	conn := t.conn

	var resp *ftpconn.Response
	return t.run(func(ctx context.Context) error {
		var err error
		resp, err = conn.Quote(ctx, command)
		return err
	}, func(err error) {
		if err != nil {
			t.finish(t.failure(err))
			return
		}

		t.logger.Info("raw command", "code", resp.Code, "message", resp.Message)
		if resp.Failed() {
			t.finish(ReplyError)
			return
		}
		t.finish(ReplyOK)
	}, nil)
}

func (t *ftpTransport) Cancel() {
	switch {
	case t.resolve != nil:
		t.resolve = nil
		t.finish(ReplyCanceled | ReplyDisconnected)
	case t.pending != nil:
		t.pending = nil
		t.finish(ReplyCanceled)
	case t.cancel != nil:
		t.cancel()
	}
}

func (t *ftpTransport) TransferStatus() (TransferStatus, bool) {
	x := t.xfer
	if x == nil {
		return TransferStatus{}, false
	}

	st := x.status
	st.TotalSize = x.total.Load()
	st.CurrentOffset = st.StartOffset + x.transferred.Load()
	changed := st.CurrentOffset != x.lastReported
	x.lastReported = st.CurrentOffset
	return st, changed
}

func (t *ftpTransport) IsConnected() bool {
	return t.conn != nil && !t.conn.Closed()
}

func (t *ftpTransport) CurrentServer() (Server, bool) {
	return t.server, t.hasServer
}

func (t *ftpTransport) Dispose() {
	t.seq++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.stopKeepAlive()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	t.resolve = nil
	t.pending = nil
	t.xfer = nil
}

// finish finalizes the current operation and, when the session stays
// connected, restarts the keep-alive timer.
func (t *ftpTransport) finish(code Reply) {
	t.session.ResetOperation(code)
	t.armKeepAlive()
}

func (t *ftpTransport) busy() bool {
	return t.cancel != nil || t.pending != nil || t.xfer != nil || t.resolve != nil
}

// armKeepAlive schedules a NOOP after the idle timeout.
func (t *ftpTransport) armKeepAlive() {
	if t.settings.idleTimeout <= 0 || t.conn == nil {
		return
	}
	t.pauseKeepAlive()

	gen := t.idleGen
	t.idle = time.AfterFunc(t.settings.idleTimeout, func() {
		t.session.Post(func() { t.keepAlive(gen) }, nil)
	})
}

// pauseKeepAlive stops the timer. A NOOP already sent is left to finish;
// run waits for it before starting the next operation.
func (t *ftpTransport) pauseKeepAlive() {
	t.idleGen++
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
}

// stopKeepAlive stops the timer and aborts a NOOP in flight, which closes
// its connection.
func (t *ftpTransport) stopKeepAlive() {
	t.pauseKeepAlive()
	if t.noopCancel != nil {
		t.noopCancel()
		t.noopCancel = nil
	}
}

func (t *ftpTransport) keepAlive(gen uint64) {
	if gen != t.idleGen || t.conn == nil || t.busy() {
		return
	}
	t.idle = nil

	conn := t.conn
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.noopCancel, t.noopDone = cancel, done

	t.logger.Debug("sending keep-alive NOOP")
	t.session.Go(func() {
		err := conn.Noop(ctx)
		cancel()
		close(done)

		t.session.Post(func() {
			if t.noopDone == done {
				t.noopCancel, t.noopDone = nil, nil
			}
			if conn != t.conn {
				return
			}
			if err != nil {
				t.logger.Warn("keep-alive failed", "error", err)
				var pe *ftpconn.ProtocolError
				if !errors.As(err, &pe) {
					conn.Close()
					t.conn = nil
					return
				}
			}
			if !t.busy() {
				t.armKeepAlive()
			}
		}, nil)
	})
}

// failure maps an ftpconn error to a reply. Anything but a server reply
// leaves the control connection unusable, so it is dropped.
func (t *ftpTransport) failure(err error) Reply {
	var (
		res Reply
		pe  *ftpconn.ProtocolError
	)
	isReply := errors.As(err, &pe)
	switch {
	case errors.Is(err, context.Canceled):
		res = ReplyCanceled
	case isTimeout(err):
		res = ReplyTimeout
	case isReply && pe.IsLoginFailure():
		res = ReplyPasswordFailed
	default:
		res = ReplyError
	}

	if t.conn != nil && (!isReply || t.conn.Closed()) {
		t.conn.Close()
		t.conn = nil
		res |= ReplyDisconnected
	}
	return res
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout())
}
