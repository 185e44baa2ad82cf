package ftpengine

import (
	"log/slog"
	"time"
)

// Transport executes the wire-level side of commands for one protocol.
//
// All methods are called on the engine's control loop and must not block on
// I/O. Operations that need the network return ReplyWouldBlock, do their work
// on goroutines started with TransportSession.Go, and finish by posting a
// function back to the loop (TransportSession.Post) that calls
// TransportSession.ResetOperation exactly once.
type Transport interface {
	// Connect starts the connect sequence, normally by asking the session to
	// resolve the host name.
	Connect(server Server) Reply

	// ContinueConnect is called once host resolution for the current connect
	// finished and is still relevant.
	ContinueConnect()

	Disconnect() Reply
	List(path, subDir string) Reply
	Transfer(localFile, remotePath, remoteFile string, download bool) Reply
	RawCommand(command string) Reply

	// Cancel asks the operation in flight to stop. The operation still
	// finishes through ResetOperation.
	Cancel()

	// TransferEnd delivers a SignalTransferEnd posted earlier.
	TransferEnd(reason TransferEndReason)

	// TransferStatus reports the progress of the running transfer. changed
	// is false when nothing moved since the previous call.
	TransferStatus() (status TransferStatus, changed bool)

	// SetAsyncReply delivers the consumer's answer to the latest request.
	SetAsyncReply(reply AsyncReply)

	IsConnected() bool
	CurrentServer() (Server, bool)

	// Dispose releases sockets and abandons the operation in flight. It must
	// not wait for goroutines; Engine.Close joins those.
	Dispose()
}

// TransportFactory creates a transport bound to a session.
type TransportFactory func(session TransportSession) Transport

// TransportSession is the engine as seen by a transport. Its methods must be
// called on the control loop: directly from Transport methods or from
// functions passed to Post.
type TransportSession interface {
	// ResetOperation finalizes the current command with code.
	ResetOperation(code Reply) Reply

	AddNotification(n Notification)
	NextAsyncRequestToken() uint32
	SetActive(d Direction)

	// ResolveHost starts a background lookup. ContinueConnect is called when
	// it completes, unless the operation was reset in the meantime.
	ResolveHost(host string) *ResolveTask

	// Post schedules fn on the control loop. It may be called from any
	// goroutine and reports false, running nothing, once the engine is
	// closed. If the engine closes while fn is still queued, discard (when
	// not nil) runs in its place after the transport was disposed.
	Post(fn, discard func()) bool

	// Go runs fn on a new goroutine. Engine.Close waits for it to return.
	Go(fn func())

	// SignalTransferEnd queues a TransferEnd call for the transport.
	SignalTransferEnd(reason TransferEndReason)

	// RecordTransfer reports a finished transfer to the metrics collector.
	RecordTransfer(download bool, bytes int64, d time.Duration)

	Cache() DirectoryCache
	Logger() *slog.Logger
}

// TransferEndReason tells the transport how the data side of a transfer ended.
type TransferEndReason int

const (
	TransferEndSuccess TransferEndReason = iota
	TransferEndFailure
	TransferEndCanceled
	TransferEndTimeout
)

func (r TransferEndReason) String() string {
	switch r {
	case TransferEndSuccess:
		return "success"
	case TransferEndCanceled:
		return "canceled"
	case TransferEndTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

// TransferStatus is a snapshot of a running transfer.
type TransferStatus struct {
	Download bool

	// TotalSize is -1 when unknown
	TotalSize int64

	// StartOffset is the resume offset the transfer began at
	StartOffset int64

	// CurrentOffset includes StartOffset
	CurrentOffset int64

	Started time.Time
}

// Transferred returns the bytes moved by this transfer.
func (s TransferStatus) Transferred() int64 {
	return s.CurrentOffset - s.StartOffset
}
