package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/guestlink/internal/actor"
	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/util"
)

// Inbound is a decoded message and the peer it came from.
type Inbound[T any] struct {
	Peer  Peer
	Value T
}

// Stream decodes every inbound message of T's type until ctx is done.
// Messages that do not decode are logged and dropped.
func Stream[T protocol.Payload](ctx context.Context, ep *Endpoint) <-chan Inbound[T] {
	typeName := protocol.TypeName[T]()
	msgs := ep.Subscribe(ctx, typeName)
	out := make(chan Inbound[T], subscriberBufferSize)

	go func() {
		defer close(out)
		for msg := range msgs {
			var v T
			if err := msg.Decode(&v); err != nil {
				util.Stats.AddDecodeFail()
				util.LogWarning("%s: dropping undecodable %s from %s: %v", ep.desc.ID, typeName, msg.Peer.ID, err)
				continue
			}
			select {
			case out <- Inbound[T]{Peer: msg.Peer, Value: v}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SendWithReply sends req to peerID and waits for the Resp carrying the same
// correlation id. The waiter is registered before the request is written so
// a fast reply cannot be missed. When ctx has no deadline the endpoint's
// reply timeout applies.
func SendWithReply[Resp protocol.Payload](ctx context.Context, ep *Endpoint, peerID string, req protocol.Correlated) (Resp, error) {
	var zero Resp

	id := req.CorrelationID()
	if id == "" {
		return zero, fmt.Errorf("%s: %s has no correlation id", ep.desc.ID, req.PayloadType())
	}
	data, err := protocol.MarshalPayload(req)
	if err != nil {
		return zero, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.cfg.ReplyTimeout)
		defer cancel()
	}

	key := waitKey{peerID: peerID, typ: protocol.TypeName[Resp](), id: id}
	ch := make(chan Message, 1)

	var duplicate bool
	sess, _ := actor.Query(ep.state, func(s *endpointState) *session {
		sess := s.sessions[peerID]
		if sess == nil {
			return nil
		}
		if _, ok := s.waiters[key]; ok {
			duplicate = true
			return nil
		}
		s.waiters[key] = ch
		s.waiting[peerType{key.peerID, key.typ}]++
		return sess
	})
	if duplicate {
		return zero, fmt.Errorf("%s: %s %q: %w", ep.desc.ID, key.typ, id, ErrDuplicateRequest)
	}
	if sess == nil {
		return zero, fmt.Errorf("%s: %w: %s", ep.desc.ID, ErrNotConnected, peerID)
	}
	defer ep.state.Do(func(s *endpointState) {
		if s.waiters[key] == ch {
			s.dropWaiter(key)
		}
	})

	if err := sess.tr.Send(req.PayloadType(), data); err != nil {
		return zero, fmt.Errorf("%s: send %s: %w", ep.desc.ID, req.PayloadType(), err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, fmt.Errorf("%s: awaiting %s: %w", ep.desc.ID, key.typ, ErrConnectionClosed)
		}
		var resp Resp
		if err := msg.Decode(&resp); err != nil {
			util.Stats.AddDecodeFail()
			return zero, fmt.Errorf("%s: decode %s: %w", ep.desc.ID, key.typ, err)
		}
		return resp, nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: awaiting %s: %w", ep.desc.ID, key.typ, ErrReplyTimeout)
		}
		return zero, ctx.Err()
	}
}
