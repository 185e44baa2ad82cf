package ftpengine

import (
	"log/slog"
	"sync"
	"time"
)

// event is an item of the control loop's queue. Events are handled strictly
// after being posted, one at a time, in posting order.
type event interface {
	isEvent()
}

// callEvent runs a public Engine method on the loop.
type callEvent struct{ fn func() }

// transportEvent runs a function posted by a transport goroutine. discard
// replaces fn when the engine closes first.
type transportEvent struct{ fn, discard func() }

type cancelEvent struct{}

type hostResolveEvent struct{}

type transferEndEvent struct{ reason TransferEndReason }

func (callEvent) isEvent()        {}
func (transportEvent) isEvent()   {}
func (cancelEvent) isEvent()      {}
func (hostResolveEvent) isEvent() {}
func (transferEndEvent) isEvent() {}

type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	wake   chan struct{}
}

func (q *eventQueue) post(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev, true
}

// close rejects further posts and returns what was still queued.
func (q *eventQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	rest := q.events
	q.events = nil
	return rest
}

func (e *Engine) run() {
	defer close(e.stopped)

	for range e.events.wake {
		for {
			ev, ok := e.events.pop()
			if !ok {
				break
			}
			e.handle(ev)

			if e.stopping {
				e.discard(e.events.close())
				return
			}
		}
	}
}

// discard drops events left at close. Transports get to release what a
// dropped completion was carrying.
func (e *Engine) discard(rest []event) {
	if len(rest) == 0 {
		return
	}
	e.logger.Debug("discarding events at close", "count", len(rest))
	for _, ev := range rest {
		if te, ok := ev.(transportEvent); ok && te.discard != nil {
			te.discard()
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case callEvent:
		ev.fn()
	case transportEvent:
		ev.fn()
	case cancelEvent:
		if !e.isBusy() {
			return
		}
		e.logger.Debug("canceling operation", "command", e.currentKind())
		if e.transport != nil {
			e.transport.Cancel()
		}
	case hostResolveEvent:
		for _, t := range e.resolvers.collect() {
			switch {
			case t.obsolete:
				e.logger.Debug("discarding obsolete host lookup", "host", t.host)
			case e.currentKind() == KindConnect && e.transport != nil:
				e.logger.Debug("host resolved", "host", t.host, "addrs", t.addrs, "error", t.err)
				e.transport.ContinueConnect()
			}
		}
	case transferEndEvent:
		if e.transport != nil {
			e.transport.TransferEnd(ev.reason)
		}
	}
}

// session is the TransportSession handed to transports.
type session struct {
	e *Engine
}

func (s *session) ResetOperation(code Reply) Reply {
	return s.e.resetOperation(code)
}

func (s *session) AddNotification(n Notification) {
	s.e.addNotification(n)
}

func (s *session) NextAsyncRequestToken() uint32 {
	return s.e.nextAsyncRequestToken()
}

func (s *session) SetActive(d Direction) {
	s.e.setActive(d)
}

func (s *session) ResolveHost(host string) *ResolveTask {
	s.e.logger.Debug("resolving host", "host", host)
	return s.e.resolvers.start(host, func() {
		s.e.events.post(hostResolveEvent{})
	})
}

func (s *session) Post(fn, discard func()) bool {
	return s.e.events.post(transportEvent{fn: fn, discard: discard})
}

func (s *session) Go(fn func()) {
	s.e.workers.Add(1)
	go func() {
		defer s.e.workers.Done()
		fn()
	}()
}

func (s *session) SignalTransferEnd(reason TransferEndReason) {
	s.e.events.post(transferEndEvent{reason: reason})
}

func (s *session) RecordTransfer(download bool, bytes int64, d time.Duration) {
	if s.e.metrics != nil {
		s.e.metrics.RecordTransfer(download, bytes, d)
	}
}

func (s *session) Cache() DirectoryCache {
	return s.e.cache
}

func (s *session) Logger() *slog.Logger {
	return s.e.logger
}
