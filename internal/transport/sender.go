package transport

import (
	"time"

	"github.com/1ureka/guestlink/internal/util"
)

// frameWriter is the wire side of a session. writeFrame is only ever called
// from the sender goroutine.
type frameWriter interface {
	writeFrame(data []byte) error
	ping() error
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single session, so frames reach the wire in Send order.
type sender struct {
	outbox chan []byte
	done   <-chan struct{}
}

func newSender(done <-chan struct{}) *sender {
	return &sender{
		outbox: make(chan []byte, sendBufferSize),
		done:   done,
	}
}

// loop is the single-writer goroutine. It pings once right away, then drains
// the outbox and pings every keepalive. fail is called on the first write
// error and the loop exits.
func (s *sender) loop(w frameWriter, keepalive time.Duration, fail func(error)) {
	if err := w.ping(); err != nil {
		fail(err)
		return
	}

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.outbox:
			if err := w.writeFrame(data); err != nil {
				fail(err)
				return
			}
			util.Stats.AddSent(len(data))

		case <-ticker.C:
			if err := w.ping(); err != nil {
				fail(err)
				return
			}

		case <-s.done:
			return
		}
	}
}

// send enqueues an encoded frame. It blocks while the outbox is full and
// returns ErrClosed once the session is done.
func (s *sender) send(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.outbox <- data:
		return nil
	case <-s.done:
		return ErrClosed
	}
}
