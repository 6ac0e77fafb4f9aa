package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/guestlink/internal/vsock"
)

// trackedConn records whether Close was called.
type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// flakyDevice fails the first `failures` connects, then succeeds.
type flakyDevice struct {
	mu       sync.Mutex
	failures int
	calls    int
	gone     bool
	conns    []*trackedConn
}

func (d *flakyDevice) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.gone {
		return nil, vsock.ErrDeviceGone
	}
	if d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}

	a, b := net.Pipe()
	go func() { // drain the far side
		buf := make([]byte, 64)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	c := &trackedConn{Conn: a}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *flakyDevice) Listen(uint32) (net.Listener, error) {
	return nil, errors.New("not supported")
}

func (d *flakyDevice) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestResolver(dev vsock.Device) *Resolver {
	return New(dev, WithRetryInterval(time.Millisecond), WithWarnInterval(5*time.Millisecond))
}

func TestAddressRetriesUntilSuccess(t *testing.T) {
	testCases := []struct {
		name     string
		failures int
	}{
		{"first try", 0},
		{"one failure", 1},
		{"many failures", 25},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev := &flakyDevice{failures: tc.failures}
			r := newTestResolver(dev)
			defer r.Close()

			b, err := r.Address(context.Background(), "ping", vsock.PortPing)
			if err != nil {
				t.Fatalf("Address failed: %v", err)
			}
			if got := dev.callCount(); got != tc.failures+1 {
				t.Errorf("device called %d times, want %d", got, tc.failures+1)
			}
			if b.ServiceID != "ping" || b.Port != vsock.PortPing {
				t.Errorf("unexpected binding %+v", b)
			}
			if r.Tracked() != 1 {
				t.Errorf("Tracked = %d, want 1", r.Tracked())
			}
			if r.Outstanding() != 0 {
				t.Errorf("Outstanding = %d, want 0", r.Outstanding())
			}

			conn, err := b.Take()
			if err != nil {
				t.Fatalf("Take failed: %v", err)
			}
			defer conn.Close()

			if _, err := b.Take(); !errors.Is(err, ErrTaken) {
				t.Errorf("second Take: %v, want ErrTaken", err)
			}
			if r.Tracked() != 0 {
				t.Errorf("Tracked after Take = %d, want 0", r.Tracked())
			}
		})
	}
}

func TestAddressDeviceGone(t *testing.T) {
	dev := &flakyDevice{gone: true}
	r := newTestResolver(dev)
	defer r.Close()

	_, err := r.Address(context.Background(), "clipboard", vsock.PortClipboard)
	if !errors.Is(err, ErrAddressLookup) {
		t.Fatalf("expected ErrAddressLookup, got %v", err)
	}
	if !errors.Is(err, vsock.ErrDeviceGone) {
		t.Fatalf("expected wrapped ErrDeviceGone, got %v", err)
	}
	if got := dev.callCount(); got != 1 {
		t.Fatalf("device called %d times, want exactly 1", got)
	}
}

func TestAddressCancelled(t *testing.T) {
	dev := &flakyDevice{failures: 1 << 30}
	r := newTestResolver(dev)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.Address(ctx, "appearance", vsock.PortAppearance)
	if !errors.Is(err, ErrAddressLookup) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lookup failure wrapping DeadlineExceeded, got %v", err)
	}
	if r.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after cancellation", r.Outstanding())
	}
}

func TestInvalidateCancelsOutstanding(t *testing.T) {
	dev := &flakyDevice{failures: 1 << 30}
	r := newTestResolver(dev)
	defer r.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Address(context.Background(), "ping", vsock.PortPing)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Outstanding() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("attempt never registered")
		}
		time.Sleep(time.Millisecond)
	}

	r.Invalidate()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrInvalidated) {
			t.Fatalf("expected ErrInvalidated, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Address did not return after Invalidate")
	}
}

func TestInvalidateClosesUntakenOnly(t *testing.T) {
	dev := &flakyDevice{}
	r := newTestResolver(dev)
	defer r.Close()

	taken, err := r.Address(context.Background(), "a", 1)
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	untaken, err := r.Address(context.Background(), "b", 2)
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}

	conn, err := taken.Take()
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	defer conn.Close()

	r.Invalidate()

	if dev.conns[0].closed.Load() {
		t.Error("taken connection was closed by Invalidate")
	}
	if !dev.conns[1].closed.Load() {
		t.Error("untaken connection was not closed by Invalidate")
	}
	if _, err := untaken.Take(); !errors.Is(err, ErrInvalidated) {
		t.Errorf("Take after Invalidate: %v, want ErrInvalidated", err)
	}

	// The resolver keeps serving new lookups.
	if _, err := r.Address(context.Background(), "c", 3); err != nil {
		t.Fatalf("Address after Invalidate failed: %v", err)
	}
}

func TestAddressAfterClose(t *testing.T) {
	r := newTestResolver(&flakyDevice{})
	r.Close()

	if _, err := r.Address(context.Background(), "ping", vsock.PortPing); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("expected ErrInvalidated after Close, got %v", err)
	}
}
