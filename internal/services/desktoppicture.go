package services

import (
	"context"
	"sync/atomic"

	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

// DesktopPicture carries an encoded image. Pictures are usually large enough
// to be sent compressed.
type DesktopPicture struct {
	Format string `cbor:"format"` // e.g. "heic", "png"
	Data   []byte `cbor:"data"`
}

func (DesktopPicture) PayloadType() string     { return "DesktopPicture" }
func (DesktopPicture) ResendOnReconnect() bool { return true }

type DesktopPictureService struct {
	service.Base
	bound

	current atomic.Pointer[DesktopPicture]
}

func NewDesktopPicture(side service.Side) *DesktopPictureService {
	return &DesktopPictureService{Base: service.Base{Desc: service.Descriptor{
		ID:   "desktop-picture",
		Port: vsock.PortDesktopPicture,
		Role: roleFor(side),
	}}}
}

func (s *DesktopPictureService) BootstrapCompleted(ep *service.Endpoint) error {
	s.bind(ep)
	ep.Handle(DesktopPicture{}.PayloadType(), func(_ context.Context, msg service.Message) {
		var pic DesktopPicture
		if err := msg.Decode(&pic); err != nil {
			util.LogWarning("desktop-picture: %v", err)
			return
		}
		s.current.Store(&pic)
		util.LogDebug("desktop-picture: %s image of %d bytes from %s", pic.Format, len(pic.Data), msg.Peer.ID)
	})
	return nil
}

// Set sends pic to every peer.
func (s *DesktopPictureService) Set(pic DesktopPicture) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	ep.Send(pic)
	return nil
}

// Current returns the last picture received.
func (s *DesktopPictureService) Current() (DesktopPicture, bool) {
	cur := s.current.Load()
	if cur == nil {
		return DesktopPicture{}, false
	}
	return *cur, true
}
