package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/guestlink/internal/resolver"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/transport"
	"github.com/1ureka/guestlink/internal/vsock"
)

const (
	testTimeout = 5 * time.Second
	echoPort    = 9200
)

var (
	guestPeer = service.Peer{ID: vsock.CIDPeerID(vsock.MemoryGuestCID), Side: service.SideGuest}
	hostPeer  = service.Peer{ID: vsock.CIDPeerID(vsock.CIDHost), Side: service.SideHost}
)

type echoReq struct {
	ID string `cbor:"id"`
}

func (echoReq) PayloadType() string     { return "EchoRequest" }
func (r echoReq) CorrelationID() string { return r.ID }

type echoResp struct {
	ID string `cbor:"id"`
}

func (echoResp) PayloadType() string     { return "EchoResponse" }
func (r echoResp) CorrelationID() string { return r.ID }

// echoService answers EchoRequest when it listens.
type echoService struct {
	service.Base
	disconnects atomic.Int32
}

func newEcho(side service.Side) *echoService {
	role := service.RoleClient
	if side == service.SideGuest {
		role = service.RoleListener
	}
	return &echoService{Base: service.Base{Desc: service.Descriptor{ID: "echo", Port: echoPort, Role: role}}}
}

func (s *echoService) BootstrapCompleted(ep *service.Endpoint) error {
	if s.Desc.Role != service.RoleListener {
		return nil
	}
	ep.Handle("EchoRequest", func(_ context.Context, msg service.Message) {
		var req echoReq
		if err := msg.Decode(&req); err == nil {
			ep.SendTo(msg.Peer.ID, echoResp{ID: req.ID})
		}
	})
	return nil
}

func (s *echoService) Disconnected(service.Peer) { s.disconnects.Add(1) }

// orderedService records when it was bootstrapped.
type orderedService struct {
	service.Base
	record func(id string)
	err    error
}

func (s *orderedService) BootstrapCompleted(*service.Endpoint) error {
	s.record(s.Desc.ID)
	return s.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestCoordinator(t *testing.T, side service.Side, dev vsock.Device) *Coordinator {
	t.Helper()
	return newTestCoordinatorWith(t, dev, newEcho(side))
}

func newTestCoordinatorWith(t *testing.T, dev vsock.Device, svc *echoService) *Coordinator {
	t.Helper()
	side := service.SideHost
	if svc.Desc.Role == service.RoleListener {
		side = service.SideGuest
	}
	c := New(side,
		WithEndpointConfig(service.Config{ReconnectDelay: 10 * time.Millisecond, ReplyTimeout: time.Second}),
		WithResolverOptions(resolver.WithRetryInterval(5*time.Millisecond)),
	)
	if err := c.Register(svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := c.Activate(context.Background(), dev); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

// echo round-trips a request, retrying while a replaced session drains.
func echo(t *testing.T, host *Coordinator, id string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		resp, err := service.SendWithReply[echoResp](context.Background(), host.Endpoint("echo"), guestPeer.ID, echoReq{ID: id})
		if err == nil {
			if resp.ID != id {
				t.Fatalf("echo reply id = %q, want %q", resp.ID, id)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo %s failed: %v", id, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestActivateBootstrapOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, id)
	}

	c := New(service.SideHost)
	defer c.Shutdown()
	for i, id := range []string{"first", "second", "third"} {
		svc := &orderedService{
			Base:   service.Base{Desc: service.Descriptor{ID: id, Port: uint32(9300 + i)}},
			record: record,
		}
		if err := c.Register(svc); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	if err := c.Activate(context.Background(), vsock.NewMemoryDevice()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("bootstrap order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("bootstrap order = %v, want %v", order, want)
		}
	}

	if c.Endpoint("second") == nil {
		t.Error("Endpoint(second) = nil")
	}
	if c.Endpoint("missing") != nil {
		t.Error("Endpoint(missing) != nil")
	}
	if err := c.Register(&orderedService{Base: service.Base{Desc: service.Descriptor{ID: "late"}}, record: record}); err == nil {
		t.Error("Register after Activate succeeded")
	}
}

func TestActivateBootstrapFailure(t *testing.T) {
	boom := errors.New("boom")
	c := New(service.SideHost)
	defer c.Shutdown()

	c.Register(&orderedService{Base: service.Base{Desc: service.Descriptor{ID: "ok", Port: 9310}}, record: func(string) {}})
	c.Register(&orderedService{Base: service.Base{Desc: service.Descriptor{ID: "bad", Port: 9311}}, record: func(string) {}, err: boom})

	err := c.Activate(context.Background(), vsock.NewMemoryDevice())
	if !errors.Is(err, boom) {
		t.Fatalf("Activate error = %v, want boom", err)
	}
}

func TestPeerEventsBeforeActivate(t *testing.T) {
	c := New(service.SideHost)
	defer c.Shutdown()

	err := c.PeerConnected(context.Background(), guestPeer, vsock.NewMemoryDevice())
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("PeerConnected error = %v, want ErrNotActive", err)
	}
}

// TestGuestSinglePeer connects a first host, rejects a second one without
// disturbing the first, then admits the second once the first leaves.
func TestGuestSinglePeer(t *testing.T) {
	dev := vsock.NewMemoryDevice()
	guest := newTestCoordinator(t, service.SideGuest, dev)

	hostA := newTestCoordinator(t, service.SideHost, dev)
	if err := hostA.PeerConnected(context.Background(), guestPeer, dev); err != nil {
		t.Fatalf("PeerConnected failed: %v", err)
	}
	waitFor(t, "host A connected", func() bool {
		return hostA.Endpoint("echo").State(guestPeer.ID) == service.StateConnected
	})
	echo(t, hostA, "a-1")

	peers := guest.Peers()
	if len(peers) != 1 || peers[0].ID != hostPeer.ID {
		t.Fatalf("guest peers = %v, want [%s]", peers, hostPeer.ID)
	}

	otherHost := service.Peer{ID: vsock.CIDPeerID(5), Side: service.SideHost}
	if err := guest.PeerConnected(context.Background(), otherHost, dev); !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("guest PeerConnected(other) = %v, want ErrPeerBusy", err)
	}

	hostB := newTestCoordinator(t, service.SideHost, dev.From(5))
	if err := hostB.PeerConnected(context.Background(), guestPeer, dev.From(5)); err != nil {
		t.Fatalf("PeerConnected failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if st := hostB.Endpoint("echo").State(guestPeer.ID); st == service.StateConnected {
		t.Fatal("second host was admitted while the first is connected")
	}
	if st := hostA.Endpoint("echo").State(guestPeer.ID); st != service.StateConnected {
		t.Fatalf("first host state = %s after rejection", st)
	}
	echo(t, hostA, "a-2")

	// The guest disconnects implicitly once host A's last session ends.
	hostA.Shutdown()
	waitFor(t, "host B admitted", func() bool {
		return hostB.Endpoint("echo").State(guestPeer.ID) == service.StateConnected
	})
	peers = guest.Peers()
	if len(peers) != 1 || peers[0].ID != otherHost.ID {
		t.Fatalf("guest peers = %v, want [%s]", peers, otherHost.ID)
	}
	echo(t, hostB, "b-1")
}

func TestGuestIgnoresForeignDisconnect(t *testing.T) {
	dev := vsock.NewMemoryDevice()
	guest := newTestCoordinator(t, service.SideGuest, dev)
	host := newTestCoordinator(t, service.SideHost, dev)

	if err := host.PeerConnected(context.Background(), guestPeer, dev); err != nil {
		t.Fatalf("PeerConnected failed: %v", err)
	}
	waitFor(t, "guest admitted host", func() bool { return len(guest.Peers()) == 1 })

	guest.PeerDisconnected(vsock.CIDPeerID(9))

	if n := len(guest.Peers()); n != 1 {
		t.Fatalf("guest peers = %d after foreign disconnect, want 1", n)
	}
	echo(t, host, "still-there")
}

// TestGuestExplicitDisconnect drops the host's sessions on the guest; the
// host keeps reconnecting and is admitted again implicitly.
func TestGuestExplicitDisconnect(t *testing.T) {
	dev := vsock.NewMemoryDevice()
	guestSvc := newEcho(service.SideGuest)
	guest := newTestCoordinatorWith(t, dev, guestSvc)
	host := newTestCoordinator(t, service.SideHost, dev)

	if err := host.PeerConnected(context.Background(), guestPeer, dev); err != nil {
		t.Fatalf("PeerConnected failed: %v", err)
	}
	waitFor(t, "guest admitted host", func() bool {
		return guest.Endpoint("echo").State(hostPeer.ID) == service.StateConnected
	})

	guest.PeerDisconnected(hostPeer.ID)
	waitFor(t, "guest session dropped", func() bool { return guestSvc.disconnects.Load() >= 1 })

	waitFor(t, "host readmitted", func() bool {
		return guest.Endpoint("echo").State(hostPeer.ID) == service.StateConnected &&
			host.Endpoint("echo").State(guestPeer.ID) == service.StateConnected
	})
	if n := len(guest.Peers()); n != 1 {
		t.Fatalf("guest peers = %d, want 1", n)
	}
	echo(t, host, "again")
}

// TestGuestReleasesAbandonedHandshake opens guest connections that never
// send an upgrade request. The implicit peer must be released so another
// host can be admitted.
func TestGuestReleasesAbandonedHandshake(t *testing.T) {
	testCases := []struct {
		name   string
		hangUp bool
	}{
		{"hang-up", true},
		{"stall", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev := vsock.NewMemoryDevice()
			guest := New(service.SideGuest,
				WithFactory(transport.Factory{Options: transport.Options{HandshakeTimeout: 200 * time.Millisecond}}),
				WithEndpointConfig(service.Config{ReconnectDelay: 10 * time.Millisecond}),
			)
			if err := guest.Register(newEcho(service.SideGuest)); err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			if err := guest.Activate(context.Background(), dev); err != nil {
				t.Fatalf("Activate failed: %v", err)
			}
			t.Cleanup(guest.Shutdown)

			conn, err := dev.From(5).Connect(context.Background(), echoPort)
			if err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer conn.Close()

			stranger := vsock.CIDPeerID(5)
			if tc.hangUp {
				conn.Close()
			} else {
				waitFor(t, "stalled peer admitted", func() bool {
					peers := guest.Peers()
					return len(peers) == 1 && peers[0].ID == stranger
				})
			}
			waitFor(t, "abandoned peer released", func() bool { return len(guest.Peers()) == 0 })

			host := newTestCoordinator(t, service.SideHost, dev)
			if err := host.PeerConnected(context.Background(), guestPeer, dev); err != nil {
				t.Fatalf("PeerConnected failed: %v", err)
			}
			waitFor(t, "host admitted", func() bool {
				return host.Endpoint("echo").State(guestPeer.ID) == service.StateConnected
			})
			echo(t, host, "after-"+tc.name)
		})
	}
}

func TestHostMultiplePeers(t *testing.T) {
	dev := vsock.NewMemoryDevice()
	host := newTestCoordinator(t, service.SideHost, dev)

	first := service.Peer{ID: "cid:3", Side: service.SideGuest}
	second := service.Peer{ID: "cid:4", Side: service.SideGuest}
	for _, p := range []service.Peer{first, second} {
		if err := host.PeerConnected(context.Background(), p, dev); err != nil {
			t.Fatalf("PeerConnected(%s) failed: %v", p.ID, err)
		}
	}
	if n := len(host.Peers()); n != 2 {
		t.Fatalf("host peers = %d, want 2", n)
	}

	host.PeerDisconnected(second.ID)
	peers := host.Peers()
	if len(peers) != 1 || peers[0].ID != first.ID {
		t.Fatalf("host peers = %v, want [%s]", peers, first.ID)
	}
	if st := host.Endpoint("echo").State(second.ID); st != service.StateDisconnected {
		t.Errorf("state for removed peer = %s, want disconnected", st)
	}
}

func TestShutdown(t *testing.T) {
	c := New(service.SideHost)
	c.Shutdown()
	c.Shutdown()

	if err := c.Register(newEcho(service.SideHost)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Register after Shutdown = %v, want ErrShutdown", err)
	}
}
