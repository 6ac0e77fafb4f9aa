package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

const handoffBufferSize = 64 * 1024

// RelayHelper accepts descriptor hand-offs on a unix socket and runs the
// in-process strategy for each of them.
type RelayHelper struct {
	Options Options
}

// ListenAndServeRelay listens on socketPath, replacing a stale socket file,
// and serves hand-offs until ctx is cancelled.
func ListenAndServeRelay(ctx context.Context, socketPath string, opts Options) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale relay socket: %w", err)
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen relay socket: %w", err)
	}
	defer os.Remove(socketPath)

	util.LogInfo("relay helper listening on %s", socketPath)
	h := &RelayHelper{Options: opts}
	return h.Serve(ctx, l)
}

// Serve accepts hand-offs from l until ctx is cancelled or l is closed.
func (h *RelayHelper) Serve(ctx context.Context, l net.Listener) error {
	opts := h.Options.withDefaults()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}

		uc, ok := c.(*net.UnixConn)
		if !ok {
			util.LogWarning("relay helper: unexpected %T connection", c)
			c.Close()
			continue
		}
		go serveHandoff(ctx, uc, opts)
	}
}

func serveHandoff(ctx context.Context, uc *net.UnixConn, opts Options) {
	label := fmt.Sprintf("[relay %08x]", util.ConnID(uc))

	ctl, conn, dec, err := receiveHandoff(uc, opts)
	if err != nil {
		util.LogWarning("%s hand-off rejected: %v", label, err)
		writeStatus(uc, opts, RelayStatus{Error: err.Error()})
		uc.Close()
		return
	}

	reasons := make(chan error, 1)
	tr := Factory{Mode: ModeDirect, Options: opts}.New(ctl.Service, ctl.Port, ctl.Accept)

	connectCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	err = tr.Connect(connectCtx, conn, func(reason error) { reasons <- reason })
	cancel()
	if err != nil {
		if errors.Is(err, ErrUpgradeDeclined) {
			util.LogInfo("%s %s upgrade declined: %v", label, ctl.Service, err)
		} else {
			util.LogWarning("%s %s connect failed: %v", label, ctl.Service, err)
		}
		writeStatus(uc, opts, RelayStatus{Declined: errors.Is(err, ErrUpgradeDeclined), Error: err.Error()})
		uc.Close()
		return
	}
	if err := writeStatus(uc, opts, RelayStatus{OK: true}); err != nil {
		tr.Invalidate()
		uc.Close()
		return
	}
	util.LogInfo("%s relaying %s (port %d)", label, ctl.Service, ctl.Port)

	stop := context.AfterFunc(ctx, tr.Invalidate)
	defer stop()

	// caller → session
	go func() {
		controlType := (RelayControl{}).PayloadType()
		for {
			pkt, err := dec.Next()
			if err != nil {
				tr.Invalidate()
				return
			}
			if pkt.Type == controlType {
				var c RelayControl
				if err := protocol.UnmarshalPayload(pkt.Payload, &c); err == nil && c.Action == RelayDetach {
					util.LogDebug("%s %s detached by caller", label, ctl.Service)
					tr.Invalidate()
					return
				}
				continue
			}
			if err := tr.Send(pkt.Type, pkt.Payload); err != nil {
				return
			}
		}
	}()

	// session → caller
	for pkt := range tr.Packets() {
		frame, err := opts.Codec.Encode(pkt.Type, pkt.Payload)
		if err != nil {
			util.LogError("%s re-encode %s: %v", label, pkt.Type, err)
			continue
		}
		uc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
		if _, err := uc.Write(frame); err != nil {
			tr.Invalidate()
			break
		}
	}

	<-tr.Done()
	var reason error
	select {
	case reason = <-reasons:
	case <-time.After(closeGracePeriod):
	}

	final := RelayStatus{Closed: true}
	if reason != nil {
		final.Error = reason.Error()
	}
	writeStatus(uc, opts, final)
	uc.Close()
	util.LogDebug("%s %s relay finished", label, ctl.Service)
}

// receiveHandoff reads the attach request and the descriptor sent with it.
func receiveHandoff(uc *net.UnixConn, opts Options) (RelayControl, net.Conn, *protocol.StreamDecoder, error) {
	var ctl RelayControl

	uc.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	defer uc.SetReadDeadline(time.Time{})

	buf := make([]byte, handoffBufferSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return ctl, nil, nil, fmt.Errorf("read hand-off: %w", err)
	}

	fd, err := parseDescriptor(oob[:oobn])
	if err != nil {
		return ctl, nil, nil, err
	}
	conn, err := vsock.FromDescriptor(fd)
	if err != nil {
		return ctl, nil, nil, err
	}

	dec := protocol.NewStreamDecoder(uc,
		protocol.WithCodec(opts.Codec),
		protocol.WithMaxBufferSize(opts.MaxBufferSize))

	pkt, err := firstPacket(dec, buf[:n])
	if err != nil {
		conn.Close()
		return ctl, nil, nil, err
	}
	if pkt.Type != ctl.PayloadType() {
		conn.Close()
		return ctl, nil, nil, fmt.Errorf("expected %s, got %s", ctl.PayloadType(), pkt.Type)
	}
	if err := protocol.UnmarshalPayload(pkt.Payload, &ctl); err != nil {
		conn.Close()
		return ctl, nil, nil, fmt.Errorf("decode relay control: %w", err)
	}
	if ctl.Action != RelayAttach || ctl.Service == "" {
		conn.Close()
		return ctl, nil, nil, fmt.Errorf("invalid relay control %+v", ctl)
	}
	return ctl, conn, dec, nil
}

func parseDescriptor(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrNoDescriptor, err)
	}

	fd := -1
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd < 0 {
				fd = f
			} else {
				unix.Close(f)
			}
		}
	}
	if fd < 0 {
		return -1, ErrNoDescriptor
	}
	return fd, nil
}

// firstPacket decodes the attach request, which may span more than the
// first read.
func firstPacket(dec *protocol.StreamDecoder, initial []byte) (*protocol.Packet, error) {
	pkts, err := dec.Feed(initial)
	if err != nil {
		return nil, err
	}
	if len(pkts) > 0 {
		return pkts[0], nil
	}
	pkt, err := dec.Next()
	if err != nil {
		return nil, fmt.Errorf("read relay control: %w", err)
	}
	return pkt, nil
}

func writeStatus(uc *net.UnixConn, opts Options, status RelayStatus) error {
	frame, err := encodeRecord(opts.Codec, status)
	if err != nil {
		return err
	}
	uc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
	_, err = uc.Write(frame)
	return err
}
