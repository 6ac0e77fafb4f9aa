// Package resolver turns a (service, port) pair into a connected vsock
// socket. The guest side of a service may not be listening yet when the host
// comes up, so lookups retry on a fixed interval until they succeed, the
// caller gives up, or the resolver is invalidated.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/guestlink/internal/actor"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

const (
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultWarnInterval  = 3 * time.Second
)

var (
	// ErrAddressLookup wraps every failed lookup.
	ErrAddressLookup = errors.New("address lookup failed")
	// ErrInvalidated is the cause of lookups aborted by Invalidate or Close.
	ErrInvalidated = errors.New("resolver invalidated")
	// ErrTaken is returned by a second Binding.Take.
	ErrTaken = errors.New("binding already taken")
)

// Resolver connects services to one vsock device. It is safe for concurrent
// use; its attempt and binding tables are owned by a single actor.
type Resolver struct {
	device        vsock.Device
	retryInterval time.Duration
	warnInterval  time.Duration
	tables        *actor.Actor[tables]
}

type tables struct {
	attempts map[uuid.UUID]context.CancelCauseFunc
	tracked  map[uuid.UUID]*Binding
	closed   bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRetryInterval sets the pause between connect attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// WithWarnInterval sets how long failures stay at debug level before the
// next warning.
func WithWarnInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.warnInterval = d
		}
	}
}

// New returns a resolver for device.
func New(device vsock.Device, opts ...Option) *Resolver {
	r := &Resolver{
		device:        device,
		retryInterval: DefaultRetryInterval,
		warnInterval:  DefaultWarnInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tables = actor.Start(&tables{
		attempts: make(map[uuid.UUID]context.CancelCauseFunc),
		tracked:  make(map[uuid.UUID]*Binding),
	})
	return r
}

// Binding is a resolved connection waiting to be claimed.
type Binding struct {
	AttemptID uuid.UUID
	ServiceID string
	Port      uint32

	r           *Resolver
	conn        net.Conn // owned by the actor until taken
	invalidated bool
}

// Take transfers ownership of the connection to the caller. It succeeds once;
// later calls return ErrTaken, and ErrInvalidated once the resolver has
// closed the connection.
func (b *Binding) Take() (net.Conn, error) {
	var takeErr error
	conn, ok := actor.Query(b.r.tables, func(t *tables) net.Conn {
		if b.invalidated {
			takeErr = ErrInvalidated
			return nil
		}
		if b.conn == nil {
			takeErr = ErrTaken
			return nil
		}
		delete(t.tracked, b.AttemptID)
		c := b.conn
		b.conn = nil
		return c
	})
	if !ok {
		return nil, ErrInvalidated
	}
	if takeErr != nil {
		return nil, takeErr
	}
	return conn, nil
}

// Address connects to port on behalf of serviceID, retrying transient
// failures every retry interval. It fails immediately when the device is
// gone and aborts on ctx cancellation or Invalidate.
func (r *Resolver) Address(ctx context.Context, serviceID string, port uint32) (*Binding, error) {
	id := uuid.New()
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	registered, _ := actor.Query(r.tables, func(t *tables) bool {
		if t.closed {
			return false
		}
		t.attempts[id] = cancel
		return true
	})
	if !registered {
		return nil, fmt.Errorf("%w: %s: %w", ErrAddressLookup, serviceID, ErrInvalidated)
	}
	defer r.tables.Do(func(t *tables) { delete(t.attempts, id) })

	conn, err := r.connect(attemptCtx, serviceID, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %s port %d: %w", ErrAddressLookup, serviceID, port, err)
	}

	b := &Binding{AttemptID: id, ServiceID: serviceID, Port: port, r: r, conn: conn}
	tracked, alive := actor.Query(r.tables, func(t *tables) bool {
		if _, live := t.attempts[id]; !live || attemptCtx.Err() != nil {
			return false
		}
		t.tracked[id] = b
		return true
	})
	if !tracked || !alive {
		conn.Close()
		cause := context.Cause(attemptCtx)
		if cause == nil {
			cause = ErrInvalidated
		}
		return nil, fmt.Errorf("%w: %s port %d: %w", ErrAddressLookup, serviceID, port, cause)
	}
	return b, nil
}

func (r *Resolver) connect(ctx context.Context, serviceID string, port uint32) (net.Conn, error) {
	var failingSince, lastWarn time.Time

	for attempt := 1; ; attempt++ {
		util.Stats.AddAttempt()

		conn, err := r.device.Connect(ctx, port)
		if err == nil {
			if attempt > 1 {
				util.LogInfo("%s: port %d reachable after %d attempts", serviceID, port, attempt)
			}
			return conn, nil
		}
		if errors.Is(err, vsock.ErrDeviceGone) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		now := time.Now()
		if failingSince.IsZero() {
			failingSince, lastWarn = now, now
		}
		if now.Sub(lastWarn) >= r.warnInterval {
			util.LogWarning("%s: port %d still unreachable after %s (%d attempts): %v",
				serviceID, port, now.Sub(failingSince).Round(time.Millisecond), attempt, err)
			lastWarn = now
		} else {
			util.LogDebug("%s: connect port %d attempt %d: %v", serviceID, port, attempt, err)
		}

		timer := time.NewTimer(r.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

// Invalidate cancels every outstanding lookup and closes connections that
// were resolved but not taken. Taken connections are left alone. The
// resolver stays usable for new lookups.
func (r *Resolver) Invalidate() {
	r.tables.Do(invalidate)
}

func invalidate(t *tables) {
	for id, cancel := range t.attempts {
		cancel(ErrInvalidated)
		delete(t.attempts, id)
	}
	for id, b := range t.tracked {
		b.conn.Close()
		b.conn = nil
		b.invalidated = true
		delete(t.tracked, id)
	}
}

// Close invalidates the resolver and stops its actor. Later lookups fail
// with ErrInvalidated.
func (r *Resolver) Close() {
	r.tables.Do(func(t *tables) {
		invalidate(t)
		t.closed = true
	})
	r.tables.Stop()
}

// Outstanding returns the number of lookups still in progress.
func (r *Resolver) Outstanding() int {
	n, _ := actor.Query(r.tables, func(t *tables) int { return len(t.attempts) })
	return n
}

// Tracked returns the number of resolved connections not yet taken.
func (r *Resolver) Tracked() int {
	n, _ := actor.Query(r.tables, func(t *tables) int { return len(t.tracked) })
	return n
}
