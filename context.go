package tentacle

import (
	"context"
	"sync"
	"time"
)

// ControlHandle is the clonable sink handler callbacks use to submit
// ServiceTasks (spec.md §4.6 "control sink"). It wraps a channel, which is
// already a reference type, so copying a ControlHandle by value is a safe
// clone.
type ControlHandle struct {
	tasks chan<- ServiceTask
}

// Send enqueues task, blocking until there is room or ctx is done. It does
// not observe the service stopping: once Run has returned and the queue is
// full, only ctx ends the wait.
func (c ControlHandle) Send(ctx context.Context, task ServiceTask) error {
	select {
	case c.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues task without blocking, reporting whether it was
// accepted. Used by notify timers, which would rather skip a tick than
// stall.
func (c ControlHandle) TrySend(task ServiceTask) bool {
	select {
	case c.tasks <- task:
		return true
	default:
		return false
	}
}

// ServiceContext is the mutable record passed by reference to every
// handler callback (spec.md §4.6). The reactor is its only mutator;
// handlers only ever see a borrow during their callback.
type ServiceContext struct {
	control ControlHandle

	mu      sync.RWMutex
	listens []Addr
	protos  map[ProtocolId]ProtocolInfo

	notifyMu      sync.Mutex
	sessionTimers map[SessionId]map[ProtocolId]chan struct{}
}

func newServiceContext(control ControlHandle, protos map[ProtocolId]ProtocolInfo) *ServiceContext {
	return &ServiceContext{
		control:       control,
		protos:        protos,
		sessionTimers: make(map[SessionId]map[ProtocolId]chan struct{}),
	}
}

// Control returns the handle user code uses to schedule ServiceTasks.
func (c *ServiceContext) Control() ControlHandle { return c.control }

// ListenAddresses returns the current snapshot of bound listen addresses.
func (c *ServiceContext) ListenAddresses() []Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Addr, len(c.listens))
	copy(out, c.listens)
	return out
}

// updateListens republishes the bound-address snapshot; called by the
// reactor after any change to ListenSet (spec.md §4.2).
func (c *ServiceContext) updateListens(addrs []Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listens = append(c.listens[:0], addrs...)
}

// ProtocolInfo returns the name and supported versions of id, built once at
// startup.
func (c *ServiceContext) ProtocolInfo(id ProtocolId) (ProtocolInfo, bool) {
	info, ok := c.protos[id]
	return info, ok
}

// SetSessionNotifyTimer schedules a repeating ProtocolSessionNotify task
// for (sessionID, protoID), carrying token on every tick. The timer is
// tracked so RemoveSessionNotifySenders can cancel it; the
// notify-sender invariant (spec.md §3) requires that it be dropped when the
// protocol or session closes.
func (c *ServiceContext) SetSessionNotifyTimer(sessionID SessionId, protoID ProtocolId, token NotifyToken, interval time.Duration) {
	stop := make(chan struct{})

	c.notifyMu.Lock()
	m, ok := c.sessionTimers[sessionID]
	if !ok {
		m = make(map[ProtocolId]chan struct{})
		c.sessionTimers[sessionID] = m
	}
	if old, exists := m[protoID]; exists {
		close(old)
	}
	m[protoID] = stop
	c.notifyMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.control.TrySend(ProtocolSessionNotify(sessionID, protoID, token))
			}
		}
	}()
}

// RemoveSessionNotifySenders stops and drops any notify timer registered
// for (sessionID, protoID) (spec.md §3 "notify-sender invariant").
func (c *ServiceContext) RemoveSessionNotifySenders(sessionID SessionId, protoID ProtocolId) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	m, ok := c.sessionTimers[sessionID]
	if !ok {
		return
	}
	if stop, ok := m[protoID]; ok {
		close(stop)
		delete(m, protoID)
	}
	if len(m) == 0 {
		delete(c.sessionTimers, sessionID)
	}
}

// SetServiceNotifyTimer schedules a repeating ProtocolNotify task for
// protoID. Service-level notify timers are not tied to any session and
// outlive individual sessions, so they are not tracked for the
// per-(session,protocol) cleanup invariant; they stop when stopCh closes.
func (c *ServiceContext) SetServiceNotifyTimer(protoID ProtocolId, token NotifyToken, interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.control.TrySend(ProtocolNotify(protoID, token))
			}
		}
	}()
}
