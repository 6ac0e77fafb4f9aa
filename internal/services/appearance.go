package services

import (
	"context"
	"sync/atomic"

	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

// Appearance is the host's current look.
type Appearance struct {
	Dark        bool   `cbor:"dark"`
	AccentColor string `cbor:"accentColor,omitempty"`
}

func (Appearance) PayloadType() string     { return "Appearance" }
func (Appearance) ResendOnReconnect() bool { return true }

// AppearanceService pushes the appearance to peers. The last value is
// replayed when a session reconnects.
type AppearanceService struct {
	service.Base
	bound

	current atomic.Pointer[Appearance]
}

func NewAppearance(side service.Side) *AppearanceService {
	return &AppearanceService{Base: service.Base{Desc: service.Descriptor{
		ID:   "appearance",
		Port: vsock.PortAppearance,
		Role: roleFor(side),
	}}}
}

func (s *AppearanceService) BootstrapCompleted(ep *service.Endpoint) error {
	s.bind(ep)
	ep.Handle(Appearance{}.PayloadType(), func(_ context.Context, msg service.Message) {
		var a Appearance
		if err := msg.Decode(&a); err != nil {
			util.LogWarning("appearance: %v", err)
			return
		}
		s.current.Store(&a)
	})
	return nil
}

// Set sends a to every peer.
func (s *AppearanceService) Set(a Appearance) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	ep.Send(a)
	return nil
}

// Current returns the last appearance received from a peer.
func (s *AppearanceService) Current() (Appearance, bool) {
	cur := s.current.Load()
	if cur == nil {
		return Appearance{}, false
	}
	return *cur, true
}
