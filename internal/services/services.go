// Package services holds the feature services carried over vsock. They own
// their ports and payload records and exercise the endpoint contract; the
// platform integrations behind them live elsewhere.
package services

import (
	"errors"
	"sync/atomic"

	"github.com/1ureka/guestlink/internal/service"
)

// ErrNotBootstrapped is returned before the coordinator activates a service.
var ErrNotBootstrapped = errors.New("service not bootstrapped")

// roleFor returns the role a service plays on side: the guest listens and
// the host dials.
func roleFor(side service.Side) service.Role {
	if side == service.SideGuest {
		return service.RoleListener
	}
	return service.RoleClient
}

// bound keeps the endpoint handed to BootstrapCompleted.
type bound struct {
	ep atomic.Pointer[service.Endpoint]
}

func (b *bound) bind(ep *service.Endpoint) { b.ep.Store(ep) }

func (b *bound) endpoint() (*service.Endpoint, error) {
	ep := b.ep.Load()
	if ep == nil {
		return nil, ErrNotBootstrapped
	}
	return ep, nil
}

// Set is one instance of every feature service for a side.
type Set struct {
	Ping                *PingService
	Clipboard           *ClipboardService
	Appearance          *AppearanceService
	NotificationCenter  *NotificationCenterService
	DarwinNotifications *DarwinNotificationsService
	DesktopPicture      *DesktopPictureService
}

// NewSet builds every service for side.
func NewSet(side service.Side) *Set {
	return &Set{
		Ping:                NewPing(side),
		Clipboard:           NewClipboard(side),
		Appearance:          NewAppearance(side),
		NotificationCenter:  NewNotificationCenter(side),
		DarwinNotifications: NewDarwinNotifications(side),
		DesktopPicture:      NewDesktopPicture(side),
	}
}

// All returns the services in registration order.
func (s *Set) All() []service.Service {
	return []service.Service{
		s.Ping,
		s.Clipboard,
		s.Appearance,
		s.NotificationCenter,
		s.DarwinNotifications,
		s.DesktopPicture,
	}
}
