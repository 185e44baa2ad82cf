package ftpengine

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// activity is the per-direction edge detector state.
type activity uint8

const (
	activityIdle activity = iota
	activityConsumed
	activityArmed
)

// Engine arbitrates commands for one session.
//
// All session state is owned by a control loop goroutine started by New.
// Public methods marshal onto the loop and wait for it, so they are safe for
// concurrent use, but they must not be called from the loop itself (that is,
// from a Transport or a MetricsCollector). Long operations return
// ReplyWouldBlock and report their outcome as an OperationComplete
// notification.
type Engine struct {
	id      string
	logger  *slog.Logger
	cache   DirectoryCache
	metrics MetricsCollector

	transports map[Protocol]TransportFactory
	ftp        ftpSettings

	notifications *notificationQueue
	events        eventQueue
	stopped       chan struct{}
	closeOnce     sync.Once

	// workers counts transport goroutines; Close joins them
	workers sync.WaitGroup

	// Owned by the control loop.
	transport  Transport
	current    Command
	startedAt  time.Time
	inCommand  bool
	pendingErr Reply
	asyncToken uint32
	activeRecv activity
	activeSend activity
	resolvers  resolverSet
	stopping   bool
}

// New creates an engine and starts its control loop. Close releases it.
//
// Example:
//
//	engine, err := ftpengine.New(ftpengine.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	srv, _, _ := ftpengine.ParseServerURL("ftp://ftp.example.com")
//	if engine.Connect(srv) == ftpengine.ReplyWouldBlock {
//	    // wait for OperationComplete
//	}
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		id:            uuid.NewString(),
		logger:        slog.New(slog.DiscardHandler),
		cache:         NewMemoryCache(),
		transports:    make(map[Protocol]TransportFactory),
		ftp:           ftpSettings{timeout: 30 * time.Second},
		notifications: newNotificationQueue(),
		events:        eventQueue{wake: make(chan struct{}, 1)},
		stopped:       make(chan struct{}),
		asyncToken:    rand.Uint32(),
		resolvers:     resolverSet{resolver: net.DefaultResolver},
	}

	for _, opt := range options {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if _, ok := e.transports[ProtocolFTP]; !ok {
		e.transports[ProtocolFTP] = e.newFTPTransport
	}
	e.logger = e.logger.With("engine", e.id)

	go e.run()
	return e, nil
}

// ID returns the engine's session id, which is attached to every log line.
func (e *Engine) ID() string {
	return e.id
}

// call runs fn on the control loop and waits for it. It reports false if the
// engine is closed and fn did not run.
func (e *Engine) call(fn func()) bool {
	done := make(chan struct{})
	ok := e.events.post(callEvent{fn: func() {
		fn()
		close(done)
	}})
	if !ok {
		return false
	}

	select {
	case <-done:
		return true
	case <-e.stopped:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// Command dispatches cmd. See the individual wrappers for the rules of each
// command kind.
func (e *Engine) Command(cmd Command) Reply {
	res := ReplyInternalError
	if !e.call(func() { res = e.command(cmd) }) {
		e.logger.Error("command issued after close", "command", cmd.Kind())
		return ReplyInternalError
	}
	return res
}

// Connect opens a session to server.
func (e *Engine) Connect(server Server) Reply {
	return e.Command(ConnectCommand{Server: server})
}

// Disconnect closes the session. It is a no-op when not connected.
func (e *Engine) Disconnect() Reply {
	return e.Command(DisconnectCommand{})
}

// Cancel aborts the operation in flight. It returns ReplyOK when idle and
// ReplyWouldBlock otherwise; the aborted operation still reports its own
// OperationComplete.
func (e *Engine) Cancel() Reply {
	return e.Command(CancelCommand{})
}

// List requests the listing of path, optionally qualified by subDir.
// Unless refresh is set, a cached listing without unsure entries is
// delivered immediately and ReplyOK is returned.
func (e *Engine) List(path, subDir string, refresh bool) Reply {
	return e.Command(ListCommand{Path: path, SubDir: subDir, Refresh: refresh})
}

// Transfer downloads remotePath/remoteFile to localFile, or uploads localFile
// when download is false.
func (e *Engine) Transfer(localFile, remotePath, remoteFile string, download bool) Reply {
	return e.Command(TransferCommand{
		LocalFile:  localFile,
		RemotePath: remotePath,
		RemoteFile: remoteFile,
		Download:   download,
	})
}

// RawCommand sends command to the server verbatim.
func (e *Engine) RawCommand(command string) Reply {
	return e.Command(RawCommand{Command: command})
}

// IsBusy reports whether a command is in flight.
func (e *Engine) IsBusy() bool {
	var busy bool
	e.call(func() { busy = e.isBusy() })
	return busy
}

// IsConnected reports whether the transport holds a live session.
func (e *Engine) IsConnected() bool {
	var connected bool
	e.call(func() { connected = e.isConnected() })
	return connected
}

// Ready is signalled when the notification queue goes from empty to
// non-empty. Drain it with TakeNext until it reports false before waiting
// again.
//
// Example:
//
//	for {
//	    select {
//	    case <-engine.Ready():
//	        for n, ok := engine.TakeNext(); ok; n, ok = engine.TakeNext() {
//	            handle(n)
//	        }
//	    case <-engine.Done():
//	        return
//	    }
//	}
func (e *Engine) Ready() <-chan struct{} {
	return e.notifications.ready
}

// TakeNext pops the oldest notification.
func (e *Engine) TakeNext() (Notification, bool) {
	return e.notifications.takeNext()
}

// Done is closed once the control loop stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// NextAsyncRequestToken returns a fresh async request token. Tokens increase
// by one and wrap around.
func (e *Engine) NextAsyncRequestToken() uint32 {
	var token uint32
	e.call(func() { token = e.nextAsyncRequestToken() })
	return token
}

// SubmitAsyncReply forwards the consumer's answer to the transport. It is
// accepted only while busy, with a transport, and only for the most recently
// issued token.
func (e *Engine) SubmitAsyncReply(reply AsyncReply) bool {
	var accepted bool
	e.call(func() {
		switch {
		case !e.isBusy():
			e.logger.Debug("async reply while idle", "token", reply.Token)
		case e.transport == nil:
			e.logger.Debug("async reply without transport", "token", reply.Token)
		case reply.Token != e.asyncToken:
			e.logger.Debug("stale async reply", "token", reply.Token, "want", e.asyncToken)
		default:
			e.transport.SetAsyncReply(reply)
			accepted = true
		}
	})
	return accepted
}

// IsActive reports, once, that data moved in direction d since the last poll.
func (e *Engine) IsActive(d Direction) bool {
	var active bool
	e.call(func() { active = e.isActive(d) })
	return active
}

// SetActive records data movement in direction d. The first call after a
// quiet poll queues an ActiveStatus notification.
func (e *Engine) SetActive(d Direction) {
	e.call(func() { e.setActive(d) })
}

// TransferStatus returns the transport's transfer progress, or false when
// there is no transport.
func (e *Engine) TransferStatus() (TransferStatus, bool) {
	var (
		status  TransferStatus
		changed bool
	)
	e.call(func() {
		if e.transport != nil {
			status, changed = e.transport.TransferStatus()
		}
	})
	return status, changed
}

// Close disposes the transport, abandons pending host lookups and stops the
// control loop. Queued notifications are discarded. Commands issued after
// Close return ReplyInternalError.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var pending []*ResolveTask
		e.call(func() {
			if e.transport != nil {
				e.transport.Dispose()
				e.transport = nil
			}
			e.current = nil
			pending = e.resolvers.abandon()
			e.stopping = true
		})
		<-e.stopped

		// Lookups and transport goroutines are joined, never left running
		for _, t := range pending {
			t.wait()
		}
		e.workers.Wait()

		if n := e.notifications.drop(); n > 0 {
			e.logger.Debug("dropped notifications at close", "count", n)
		}
	})
	return nil
}

func (e *Engine) isBusy() bool {
	return e.current != nil
}

func (e *Engine) isConnected() bool {
	return e.transport != nil && e.transport.IsConnected()
}

func (e *Engine) currentKind() CommandKind {
	if e.current == nil {
		return KindNone
	}
	return e.current.Kind()
}

func (e *Engine) command(cmd Command) Reply {
	kind := cmd.Kind()
	start := time.Now()

	if kind != KindCancel && e.isBusy() {
		e.logger.Debug("command rejected, busy", "command", kind, "current", e.currentKind())
		e.recordCommand(kind, ReplyBusy, 0)
		return ReplyBusy
	}

	e.logger.Debug("command", "command", kind)
	e.inCommand = true

	var res Reply
	switch c := cmd.(type) {
	case ConnectCommand:
		res = e.connect(c)
	case DisconnectCommand:
		res = e.disconnect(c)
	case CancelCommand:
		res = e.cancel()
	case ListCommand:
		res = e.list(c)
	case TransferCommand:
		res = e.transfer(c)
	case RawCommand:
		res = e.rawCommand(c)
	default:
		e.inCommand = false
		e.logger.Error("unknown command", "command", kind)
		return ReplySyntaxError
	}

	if res != ReplyWouldBlock {
		e.resetOperation(res)
	}
	e.inCommand = false

	if kind != KindDisconnect {
		res |= e.pendingErr
	} else if res&ReplyDisconnected != 0 {
		res = ReplyOK
	}
	e.pendingErr = 0

	if res != ReplyWouldBlock {
		e.recordCommand(kind, res, time.Since(start))
	}
	e.logger.Debug("command dispatched", "command", kind, "reply", res)
	return res
}

func (e *Engine) begin(cmd Command) {
	e.current = cmd
	e.startedAt = time.Now()
}

func (e *Engine) connect(c ConnectCommand) Reply {
	if e.isConnected() {
		return ReplyAlreadyConnected
	}

	if e.transport != nil {
		e.transport.Dispose()
		e.transport = nil
	}

	factory, ok := e.transports[c.Server.Protocol]
	if !ok {
		e.logger.Error("no transport for protocol", "protocol", c.Server.Protocol)
		return ReplyInternalError
	}

	e.begin(c)
	e.transport = factory(&session{e: e})
	return e.transport.Connect(c.Server)
}

func (e *Engine) disconnect(c DisconnectCommand) Reply {
	if !e.isConnected() {
		return ReplyOK
	}

	e.begin(c)
	res := e.transport.Disconnect()
	if res == ReplyOK {
		e.transport.Dispose()
		e.transport = nil
	}
	return res
}

func (e *Engine) cancel() Reply {
	if !e.isBusy() {
		return ReplyOK
	}

	e.events.post(cancelEvent{})
	return ReplyWouldBlock
}

func (e *Engine) list(c ListCommand) Reply {
	if !c.Refresh && c.Path != "" && e.cache != nil && e.transport != nil {
		if srv, ok := e.transport.CurrentServer(); ok {
			l, found := e.cache.Lookup(srv, c.Path, c.SubDir)
			usable := found && !l.HasUnsureEntry()
			e.recordCacheLookup(usable)
			if usable {
				e.logger.Debug("listing served from cache", "path", c.Path, "subdir", c.SubDir, "entries", l.Len())
				e.addNotification(DirectoryListingReady{Listing: l})
				return ReplyOK
			}
			if found {
				e.logger.Debug("cached listing has unsure entries", "path", c.Path)
				l.Release()
			}
		}
	}

	if !e.isConnected() {
		return ReplyNotConnected
	}
	if e.isBusy() {
		return ReplyBusy
	}

	e.begin(c)
	return e.transport.List(c.Path, c.SubDir)
}

func (e *Engine) transfer(c TransferCommand) Reply {
	if !e.isConnected() {
		return ReplyNotConnected
	}
	if e.isBusy() {
		return ReplyBusy
	}

	e.begin(c)
	return e.transport.Transfer(c.LocalFile, c.RemotePath, c.RemoteFile, c.Download)
}

func (e *Engine) rawCommand(c RawCommand) Reply {
	if !e.isConnected() {
		return ReplyNotConnected
	}
	if e.isBusy() {
		return ReplyBusy
	}
	if c.Command == "" {
		return ReplySyntaxError
	}

	e.begin(c)
	return e.transport.RawCommand(c.Command)
}

// resetOperation is the single finalization path. Inside Command the code
// is merged into the caller's return value; otherwise it is reported as an
// OperationComplete notification.
func (e *Engine) resetOperation(code Reply) Reply {
	if e.current != nil {
		kind := e.current.Kind()
		if e.inCommand {
			e.pendingErr |= code
		} else {
			e.logger.Debug("operation complete", "command", kind, "reply", code)
			e.addNotification(OperationComplete{Command: kind, Reply: code})
			e.recordCommand(kind, code, time.Since(e.startedAt))
		}
	}

	e.current = nil
	e.resolvers.markOldestObsolete()
	return code
}

func (e *Engine) addNotification(n Notification) {
	e.notifications.add(n)
	if e.metrics != nil {
		e.metrics.RecordNotification(notificationName(n))
	}
}

func (e *Engine) nextAsyncRequestToken() uint32 {
	e.asyncToken++
	return e.asyncToken
}

func (e *Engine) flag(d Direction) *activity {
	if d == DirectionSend {
		return &e.activeSend
	}
	return &e.activeRecv
}

func (e *Engine) isActive(d Direction) bool {
	f := e.flag(d)
	if *f == activityArmed {
		*f = activityConsumed
		return true
	}
	*f = activityIdle
	return false
}

func (e *Engine) setActive(d Direction) {
	f := e.flag(d)
	if *f == activityIdle {
		e.addNotification(ActiveStatus{Direction: d})
	}
	*f = activityArmed
}

func (e *Engine) recordCommand(kind CommandKind, reply Reply, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordCommand(kind, reply, d)
	}
}

func (e *Engine) recordCacheLookup(usable bool) {
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(usable)
	}
}
