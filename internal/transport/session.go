package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/util"
)

const closeGracePeriod = time.Second

// wsSession runs one upgraded connection: a read loop feeding the stream
// decoder and a sender goroutine owning every data write.
type wsSession struct {
	ws     *websocket.Conn
	opts   Options
	label  string
	dec    *protocol.StreamDecoder
	sender *sender

	packets chan *protocol.Packet
	done    chan struct{}

	once         sync.Once
	onInvalidate func(error)
}

func newWSSession(ws *websocket.Conn, opts Options, label string, onInvalidate func(error)) *wsSession {
	done := make(chan struct{})
	s := &wsSession{
		ws:           ws,
		opts:         opts,
		label:        fmt.Sprintf("[%08x] %s", util.ConnID(ws.NetConn()), label),
		dec:          opts.streamDecoder(),
		sender:       newSender(done),
		packets:      make(chan *protocol.Packet, packetBufferSize),
		done:         done,
		onInvalidate: onInvalidate,
	}

	ws.SetPongHandler(func(string) error {
		util.LogDebug("%s pong", s.label)
		return nil
	})

	util.Stats.AddConn()
	go s.readLoop()
	go s.sender.loop(s, opts.Keepalive, s.invalidate)
	return s
}

func (s *wsSession) writeFrame(data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsSession) ping() error {
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout))
}

func (s *wsSession) readLoop() {
	defer close(s.packets)

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				util.LogDebug("%s closed by peer", s.label)
				s.invalidate(nil)
			case s.isDone():
			default:
				s.invalidate(fmt.Errorf("read: %w", err))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			util.LogDebug("%s text frame (%d bytes): %q", s.label, len(data), data)

		case websocket.BinaryMessage:
			pkts, err := s.dec.Feed(data)
			for _, pkt := range pkts {
				util.Stats.AddRecv(pkt.WireSize())
				select {
				case s.packets <- pkt:
				case <-s.done:
					return
				}
			}
			if err != nil {
				util.LogError("%s %v", s.label, err)
				s.invalidate(err)
				return
			}
		}
	}
}

func (s *wsSession) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSession) send(typeName string, payload []byte) error {
	data, err := s.opts.Codec.Encode(typeName, payload)
	if err != nil {
		return err
	}
	return s.sender.send(data)
}

// invalidate closes the session once. Network teardown runs in the
// background; the caller never waits on I/O.
func (s *wsSession) invalidate(reason error) {
	s.once.Do(func() {
		close(s.done)
		util.Stats.RemoveConn()

		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			err := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				util.LogDebug("%s close frame: %v", s.label, err)
			}
			s.ws.Close()
		}()

		if reason != nil {
			util.LogWarning("%s invalidated: %v", s.label, reason)
		} else {
			util.LogDebug("%s invalidated", s.label)
		}
		if s.onInvalidate != nil {
			s.onInvalidate(reason)
		}
	})
}
