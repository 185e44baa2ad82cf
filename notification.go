package ftpengine

import (
	"sync"

	"github.com/gonzalop/ftpengine/listing"
)

// Direction is a transfer direction for activity reporting.
type Direction int

const (
	DirectionRecv Direction = iota
	DirectionSend
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}

// Notification is an event queued for the consumer. Notifications are
// delivered in the order they were produced and each is taken exactly once.
type Notification interface {
	isNotification()
}

// OperationComplete reports the final reply of a command that returned
// ReplyWouldBlock.
type OperationComplete struct {
	Command CommandKind
	Reply   Reply
}

// DirectoryListingReady carries a listing handle owned by the consumer, who
// should Release it when done.
type DirectoryListingReady struct {
	Listing *listing.Listing
}

// AsyncRequestNotification asks the consumer for a decision. The answer is
// submitted with Engine.SubmitAsyncReply using the same Token.
type AsyncRequestNotification struct {
	Token   uint32
	Request AsyncRequest
}

// ActiveStatus reports that data started flowing in Direction.
type ActiveStatus struct {
	Direction Direction
}

func (OperationComplete) isNotification()        {}
func (DirectoryListingReady) isNotification()    {}
func (AsyncRequestNotification) isNotification() {}
func (ActiveStatus) isNotification()             {}

func notificationName(n Notification) string {
	switch n.(type) {
	case OperationComplete:
		return "operation_complete"
	case DirectoryListingReady:
		return "listing"
	case AsyncRequestNotification:
		return "async_request"
	case ActiveStatus:
		return "active"
	default:
		return "unknown"
	}
}

// AsyncRequest is the payload of an AsyncRequestNotification.
type AsyncRequest interface {
	isAsyncRequest()
}

// FileExistsRequest is raised when a download target already exists locally.
type FileExistsRequest struct {
	LocalFile  string
	LocalSize  int64
	RemotePath string
	RemoteFile string

	// RemoteSize is -1 when unknown
	RemoteSize int64
	Download   bool
}

func (FileExistsRequest) isAsyncRequest() {}

// Action answers a FileExistsRequest.
type Action int

const (
	ActionOverwrite Action = iota
	ActionResume
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionSkip:
		return "skip"
	default:
		return "overwrite"
	}
}

// AsyncReply is the consumer's answer to an AsyncRequestNotification.
type AsyncReply struct {
	Token  uint32
	Action Action
}

// notificationQueue is the only engine structure shared between the control
// loop and the consumer. The ready channel is signalled only when the queue
// goes from empty to non-empty.
type notificationQueue struct {
	mu    sync.Mutex
	items []Notification
	ready chan struct{}
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{ready: make(chan struct{}, 1)}
}

func (q *notificationQueue) add(n Notification) {
	q.mu.Lock()
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, n)
	q.mu.Unlock()

	if wasEmpty {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
}

func (q *notificationQueue) takeNext() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	n := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return n, true
}

func (q *notificationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drop discards everything queued and releases listing handles.
func (q *notificationQueue) drop() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, n := range items {
		if l, ok := n.(DirectoryListingReady); ok && l.Listing != nil {
			l.Listing.Release()
		}
	}
	return len(items)
}
