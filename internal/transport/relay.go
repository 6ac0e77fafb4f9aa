package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/util"
)

// Relay control actions.
const (
	RelayAttach = 0
	RelayDetach = 1
)

// RelayControl is the first packet on a helper connection, sent together
// with the raw descriptor. Detach asks the helper to end the session.
type RelayControl struct {
	Action  int    `cbor:"action"`
	Service string `cbor:"service"`
	Port    uint32 `cbor:"port"`
	Accept  bool   `cbor:"accept"` // the helper answers the upgrade instead of sending it
}

func (RelayControl) PayloadType() string { return "guestlink.RelayControl" }

// RelayStatus is the helper's answer to an attach and its last packet when
// the session ends.
type RelayStatus struct {
	OK       bool   `cbor:"ok"`
	Declined bool   `cbor:"declined"`
	Closed   bool   `cbor:"closed"`
	Error    string `cbor:"error,omitempty"`
}

func (RelayStatus) PayloadType() string { return "guestlink.RelayStatus" }

func encodeRecord(codec *protocol.Codec, p protocol.Payload) ([]byte, error) {
	data, err := protocol.MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	return codec.Encode(p.PayloadType(), data)
}

// Relayed hands the raw connection to a helper process that runs the
// in-process strategy on its behalf. Packets then travel over the unix
// socket to the helper.
type Relayed struct {
	socketPath string
	serviceID  string
	port       uint32
	listener   bool
	opts       Options

	session atomic.Pointer[relaySession]
	idle    chan struct{}
}

// NewRelayed returns an unconnected transport using the helper listening on
// socketPath.
func NewRelayed(socketPath, serviceID string, port uint32, listener bool, opts Options) *Relayed {
	return &Relayed{
		socketPath: socketPath,
		serviceID:  serviceID,
		port:       port,
		listener:   listener,
		opts:       opts.withDefaults(),
		idle:       make(chan struct{}),
	}
}

func (r *Relayed) Connect(ctx context.Context, conn net.Conn, onInvalidate func(error)) error {
	// The helper holds its own copy of the descriptor once it is sent.
	defer conn.Close()

	if r.session.Load() != nil {
		return errors.New("transport already connected")
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNoDescriptor, conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDescriptor, err)
	}

	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "unix", r.socketPath)
	if err != nil {
		return fmt.Errorf("dial relay helper %s: %w", r.socketPath, err)
	}
	uc := c.(*net.UnixConn)

	uc.SetDeadline(time.Now().Add(r.opts.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() { uc.SetDeadline(time.Unix(1, 0)) })

	dec, err := r.handoff(uc, raw)
	if !stop() || ctx.Err() != nil {
		uc.Close()
		return ctx.Err()
	}
	if err != nil {
		uc.Close()
		return err
	}
	uc.SetDeadline(time.Time{})

	util.LogDebug("[%08x] %s handed to relay helper", util.ConnID(conn), r.serviceID)
	r.session.Store(newRelaySession(uc, dec, r.opts, r.serviceID, onInvalidate))
	return nil
}

// handoff sends the attach request with the descriptor and waits for the
// helper's status.
func (r *Relayed) handoff(uc *net.UnixConn, raw syscall.RawConn) (*protocol.StreamDecoder, error) {
	frame, err := encodeRecord(r.opts.Codec, RelayControl{
		Action:  RelayAttach,
		Service: r.serviceID,
		Port:    r.port,
		Accept:  r.listener,
	})
	if err != nil {
		return nil, err
	}

	var writeErr error
	if err := raw.Control(func(fd uintptr) {
		_, _, writeErr = uc.WriteMsgUnix(frame, unix.UnixRights(int(fd)), nil)
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDescriptor, err)
	}
	if writeErr != nil {
		return nil, fmt.Errorf("send descriptor to relay helper: %w", writeErr)
	}

	dec := protocol.NewStreamDecoder(uc,
		protocol.WithCodec(r.opts.Codec),
		protocol.WithMaxBufferSize(r.opts.MaxBufferSize))

	pkt, err := dec.Next()
	if err != nil {
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	if pkt.Type != (RelayStatus{}).PayloadType() {
		return nil, fmt.Errorf("relay handshake: unexpected %s packet", pkt.Type)
	}

	var status RelayStatus
	if err := protocol.UnmarshalPayload(pkt.Payload, &status); err != nil {
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	switch {
	case status.OK:
		return dec, nil
	case status.Declined:
		return nil, fmt.Errorf("%w: %s", ErrUpgradeDeclined, status.Error)
	default:
		return nil, fmt.Errorf("relay helper: %s", status.Error)
	}
}

func (r *Relayed) Send(typeName string, payload []byte) error {
	s := r.session.Load()
	if s == nil {
		return ErrNotConnected
	}
	return s.send(typeName, payload)
}

func (r *Relayed) Packets() <-chan *protocol.Packet {
	if s := r.session.Load(); s != nil {
		return s.packets
	}
	return nil
}

func (r *Relayed) Invalidate() {
	if s := r.session.Load(); s != nil {
		s.invalidate(nil)
	}
}

func (r *Relayed) Done() <-chan struct{} {
	if s := r.session.Load(); s != nil {
		return s.done
	}
	return r.idle
}

// relaySession forwards packets between the caller and the helper.
type relaySession struct {
	uc     *net.UnixConn
	opts   Options
	label  string
	dec    *protocol.StreamDecoder
	sender *sender

	packets chan *protocol.Packet
	done    chan struct{}

	once         sync.Once
	onInvalidate func(error)
}

func newRelaySession(uc *net.UnixConn, dec *protocol.StreamDecoder, opts Options, label string, onInvalidate func(error)) *relaySession {
	done := make(chan struct{})
	s := &relaySession{
		uc:           uc,
		opts:         opts,
		label:        fmt.Sprintf("[relay %08x] %s", util.ConnID(uc), label),
		dec:          dec,
		sender:       newSender(done),
		packets:      make(chan *protocol.Packet, packetBufferSize),
		done:         done,
		onInvalidate: onInvalidate,
	}

	util.Stats.AddConn()
	go s.readLoop()
	go s.sender.loop(s, opts.Keepalive, s.invalidate)
	return s
}

func (s *relaySession) writeFrame(data []byte) error {
	s.uc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_, err := s.uc.Write(data)
	return err
}

// ping is a no-op; the helper keeps the websocket alive.
func (s *relaySession) ping() error { return nil }

func (s *relaySession) readLoop() {
	defer close(s.packets)

	statusType := (RelayStatus{}).PayloadType()
	for {
		pkt, err := s.dec.Next()
		if err != nil {
			switch {
			case s.isDone():
			case errors.Is(err, io.EOF):
				s.invalidate(nil)
			default:
				s.invalidate(fmt.Errorf("relay read: %w", err))
			}
			return
		}

		if pkt.Type == statusType {
			var status RelayStatus
			if err := protocol.UnmarshalPayload(pkt.Payload, &status); err == nil && status.Error != "" {
				s.invalidate(errors.New(status.Error))
			} else {
				s.invalidate(nil)
			}
			return
		}

		util.Stats.AddRecv(pkt.WireSize())
		select {
		case s.packets <- pkt:
		case <-s.done:
			return
		}
	}
}

func (s *relaySession) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *relaySession) send(typeName string, payload []byte) error {
	data, err := s.opts.Codec.Encode(typeName, payload)
	if err != nil {
		return err
	}
	return s.sender.send(data)
}

func (s *relaySession) invalidate(reason error) {
	s.once.Do(func() {
		close(s.done)
		util.Stats.RemoveConn()

		go func() {
			if frame, err := encodeRecord(s.opts.Codec, RelayControl{Action: RelayDetach}); err == nil {
				s.uc.SetWriteDeadline(time.Now().Add(closeGracePeriod))
				s.uc.Write(frame)
			}
			s.uc.Close()
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
