package services

import (
	"context"
	"slices"

	"github.com/1ureka/guestlink/internal/actor"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

// DarwinNotificationSubscription replaces the set of notification names a
// peer wants forwarded.
type DarwinNotificationSubscription struct {
	Names []string `cbor:"names"`
}

func (DarwinNotificationSubscription) PayloadType() string     { return "DarwinNotificationSubscription" }
func (DarwinNotificationSubscription) ResendOnReconnect() bool { return true }

// DarwinNotification is one posted system notification name.
type DarwinNotification struct {
	Name string `cbor:"name"`
}

func (DarwinNotification) PayloadType() string { return "DarwinNotification" }

// DarwinNotificationsService forwards system notifications to the peers
// that subscribed to them.
type DarwinNotificationsService struct {
	service.Base
	bound

	subs *actor.Actor[darwinState]
}

type darwinState struct {
	names map[string][]string // peer → names
}

func NewDarwinNotifications(side service.Side) *DarwinNotificationsService {
	return &DarwinNotificationsService{
		Base: service.Base{Desc: service.Descriptor{
			ID:   "darwin-notifications",
			Port: vsock.PortDarwinNotifications,
			Role: roleFor(side),
		}},
		subs: actor.Start(&darwinState{names: make(map[string][]string)}),
	}
}

func (s *DarwinNotificationsService) BootstrapCompleted(ep *service.Endpoint) error {
	s.bind(ep)
	ep.Handle(DarwinNotificationSubscription{}.PayloadType(), func(_ context.Context, msg service.Message) {
		var sub DarwinNotificationSubscription
		if err := msg.Decode(&sub); err != nil {
			util.LogWarning("darwin-notifications: %v", err)
			return
		}
		s.subs.Do(func(st *darwinState) {
			st.names[msg.Peer.ID] = sub.Names
		})
		util.LogDebug("darwin-notifications: %s subscribed to %d names", msg.Peer.ID, len(sub.Names))
	})
	return nil
}

func (s *DarwinNotificationsService) Disconnected(peer service.Peer) {
	s.subs.Do(func(st *darwinState) {
		delete(st.names, peer.ID)
	})
}

// Subscribe asks every peer to forward names. The subscription is sent again
// after each reconnect.
func (s *DarwinNotificationsService) Subscribe(names ...string) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	ep.Send(DarwinNotificationSubscription{Names: names})
	return nil
}

// Post forwards name to the peers subscribed to it and returns how many.
func (s *DarwinNotificationsService) Post(name string) (int, error) {
	ep, err := s.endpoint()
	if err != nil {
		return 0, err
	}

	targets, _ := actor.Query(s.subs, func(st *darwinState) []string {
		var out []string
		for peerID, names := range st.names {
			if slices.Contains(names, name) {
				out = append(out, peerID)
			}
		}
		return out
	})

	for _, peerID := range targets {
		ep.SendTo(peerID, DarwinNotification{Name: name})
	}
	return len(targets), nil
}

// Subscribed reports whether peerID subscribed to name.
func (s *DarwinNotificationsService) Subscribed(peerID, name string) bool {
	ok, _ := actor.Query(s.subs, func(st *darwinState) bool {
		return slices.Contains(st.names[peerID], name)
	})
	return ok
}

// Notifications streams the notifications forwarded by peers.
func (s *DarwinNotificationsService) Notifications(ctx context.Context) (<-chan service.Inbound[DarwinNotification], error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	return service.Stream[DarwinNotification](ctx, ep), nil
}
