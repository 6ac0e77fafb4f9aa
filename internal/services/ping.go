package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/vsock"
)

// Ping asks the listener to answer with a Pong carrying the same id.
type Ping struct {
	ID     string `cbor:"id"`
	SentAt int64  `cbor:"sentAt"` // unix nanoseconds
}

func (Ping) PayloadType() string     { return "Ping" }
func (p Ping) CorrelationID() string { return p.ID }

// Pong answers a Ping.
type Pong struct {
	ID   string       `cbor:"id"`
	Side service.Side `cbor:"side"`
}

func (Pong) PayloadType() string     { return "Pong" }
func (p Pong) CorrelationID() string { return p.ID }

// PingService measures round trips on the ping port.
type PingService struct {
	service.Base
	bound
}

func NewPing(side service.Side) *PingService {
	return &PingService{Base: service.Base{Desc: service.Descriptor{
		ID:   "ping",
		Port: vsock.PortPing,
		Role: roleFor(side),
	}}}
}

func (s *PingService) BootstrapCompleted(ep *service.Endpoint) error {
	s.bind(ep)
	if s.Desc.Role != service.RoleListener {
		return nil
	}
	ep.Handle(Ping{}.PayloadType(), func(_ context.Context, msg service.Message) {
		var p Ping
		if err := msg.Decode(&p); err != nil {
			return
		}
		ep.SendTo(msg.Peer.ID, Pong{ID: p.ID, Side: ep.Side()})
	})
	return nil
}

// Ping sends one request to peerID and returns the round-trip time.
func (s *PingService) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	ep, err := s.endpoint()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	req := Ping{ID: uuid.NewString(), SentAt: start.UnixNano()}
	pong, err := service.SendWithReply[Pong](ctx, ep, peerID, req)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", peerID, err)
	}
	if pong.ID != req.ID {
		return 0, fmt.Errorf("ping %s: reply for %s", peerID, pong.ID)
	}
	return time.Since(start), nil
}
