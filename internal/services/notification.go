package services

import (
	"context"

	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/vsock"
)

// UserNotification is a user-visible notification posted on the other side.
type UserNotification struct {
	ID       string `cbor:"id"`
	Title    string `cbor:"title"`
	Subtitle string `cbor:"subtitle,omitempty"`
	Body     string `cbor:"body,omitempty"`
}

func (UserNotification) PayloadType() string { return "UserNotification" }

type NotificationCenterService struct {
	service.Base
	bound
}

func NewNotificationCenter(side service.Side) *NotificationCenterService {
	return &NotificationCenterService{Base: service.Base{Desc: service.Descriptor{
		ID:   "notification-center",
		Port: vsock.PortNotificationCenter,
		Role: roleFor(side),
	}}}
}

func (s *NotificationCenterService) BootstrapCompleted(ep *service.Endpoint) error {
	s.bind(ep)
	return nil
}

// Post sends n to peerID.
func (s *NotificationCenterService) Post(peerID string, n UserNotification) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	ep.SendTo(peerID, n)
	return nil
}

// Notifications streams notifications posted by peers.
func (s *NotificationCenterService) Notifications(ctx context.Context) (<-chan service.Inbound[UserNotification], error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	return service.Stream[UserNotification](ctx, ep), nil
}
