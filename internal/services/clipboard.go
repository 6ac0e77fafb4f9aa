package services

import (
	"context"

	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/vsock"
)

// ClipboardContent is one pasteboard change.
type ClipboardContent struct {
	Text        string `cbor:"text"`
	ChangeCount int64  `cbor:"changeCount"`
}

func (ClipboardContent) PayloadType() string { return "ClipboardContent" }

// ClipboardService mirrors pasteboard changes in both directions.
type ClipboardService struct {
	service.Base
	bound
}

func NewClipboard(side service.Side) *ClipboardService {
	return &ClipboardService{Base: service.Base{Desc: service.Descriptor{
		ID:   "clipboard",
		Port: vsock.PortClipboard,
		Role: roleFor(side),
	}}}
}

func (s *ClipboardService) BootstrapCompleted(ep *service.Endpoint) error {
	s.bind(ep)
	return nil
}

// Publish sends c to every connected peer.
func (s *ClipboardService) Publish(c ClipboardContent) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	ep.Send(c)
	return nil
}

// Changes streams clipboard changes from peers until ctx ends.
func (s *ClipboardService) Changes(ctx context.Context) (<-chan service.Inbound[ClipboardContent], error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	return service.Stream[ClipboardContent](ctx, ep), nil
}
