package ftpengine

import (
	"context"
	"net"
)

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var _ Resolver = (*net.Resolver)(nil)

// ResolveTask is one background host lookup.
//
// The result accessors may be called once the task is done, which is always
// the case inside Transport.ContinueConnect.
type ResolveTask struct {
	host     string
	cancel   context.CancelFunc
	finished chan struct{}

	addrs []string
	err   error

	// control loop only
	obsolete bool
}

func (t *ResolveTask) Host() string { return t.host }

// Addrs returns the resolved addresses.
func (t *ResolveTask) Addrs() []string { return t.addrs }

// Err returns the lookup error.
func (t *ResolveTask) Err() error { return t.err }

// Done reports whether the lookup finished.
func (t *ResolveTask) Done() bool {
	select {
	case <-t.finished:
		return true
	default:
		return false
	}
}

func (t *ResolveTask) wait() {
	<-t.finished
	t.cancel()
}

// resolverSet tracks outstanding lookups in start order. It is owned by the
// control loop; the lookup goroutines only touch their own result fields and
// report completion through notify.
type resolverSet struct {
	resolver Resolver
	tasks    []*ResolveTask
}

func (s *resolverSet) start(host string, notify func()) *ResolveTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &ResolveTask{
		host:     host,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	s.tasks = append(s.tasks, t)

	go func() {
		t.addrs, t.err = s.resolver.LookupHost(ctx, host)
		close(t.finished)
		notify()
	}()
	return t
}

// markOldestObsolete marks the oldest task that still matters.
func (s *resolverSet) markOldestObsolete() {
	for _, t := range s.tasks {
		if !t.obsolete {
			t.obsolete = true
			return
		}
	}
}

// collect removes and joins the finished tasks, returning them in start order.
func (s *resolverSet) collect() []*ResolveTask {
	var done []*ResolveTask
	remaining := s.tasks[:0]
	for _, t := range s.tasks {
		if t.Done() {
			t.wait()
			done = append(done, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	clear(s.tasks[len(remaining):])
	s.tasks = remaining
	return done
}

// abandon cancels every task and marks it obsolete. The tasks are returned so
// the caller can join them once it no longer holds the control loop.
func (s *resolverSet) abandon() []*ResolveTask {
	tasks := s.tasks
	s.tasks = nil
	for _, t := range tasks {
		t.obsolete = true
		t.cancel()
	}
	return tasks
}

func (s *resolverSet) len() int {
	return len(s.tasks)
}
