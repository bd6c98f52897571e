package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/shineum/tmpmail/internal/email"
	"github.com/shineum/tmpmail/internal/forward"
	"github.com/shineum/tmpmail/internal/metrics"
)

// readBufferSize bounds a single read; each read is handed to the machine as
// one input chunk.
const readBufferSize = 64 * 1024

// defaultIdleTimeout is the maximum time a session can wait for client input.
const defaultIdleTimeout = 60 * time.Second

// persistTimeout bounds the store and forwarder calls made after the
// connection has finished.
const persistTimeout = 30 * time.Second

// MessageStore receives the mail of finished sessions.
type MessageStore interface {
	Persist(ctx context.Context, mail email.Mail) error
}

// Session drives a single client connection: it greets the client, feeds
// every chunk it reads to a Machine, writes the replies back and, once the
// connection ends, persists the collected mail.
type Session struct {
	conn        net.Conn
	machine     *Machine
	store       MessageStore
	forwarder   forward.Forwarder
	greeting    []byte
	idleTimeout time.Duration
	log         *slog.Logger
}

// NewSession creates a session for conn. fwd may be nil. A non-positive
// idleTimeout selects the default.
func NewSession(conn net.Conn, store MessageStore, fwd forward.Forwarder, domain, serviceName string, idleTimeout time.Duration) *Session {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Session{
		conn:        conn,
		machine:     NewMachine(domain),
		store:       store,
		forwarder:   fwd,
		greeting:    []byte("220 " + serviceName + "\n"),
		idleTimeout: idleTimeout,
		log: slog.With(
			"session", uuid.NewString(),
			"remote", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the session until the client quits, disconnects, times out or
// violates the protocol, then persists whatever mail the final state holds.
// Cancelling ctx unblocks a pending read; collected mail is still persisted.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	start := time.Now()
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	defer func() {
		metrics.ConnectionsCurrent.Dec()
		metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	defer stop()

	s.log.Debug("connection opened")
	s.serve(ctx)
	s.finish(ctx)
}

// serve runs the read, transition, write loop.
func (s *Session) serve(ctx context.Context) {
	if _, err := s.conn.Write(s.greeting); err != nil {
		s.log.Debug("failed to send greeting", "error", err)
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}
		// Checked after the deadline is set so a concurrent cancel either
		// stops the loop here or expires the deadline just set.
		if ctx.Err() != nil {
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			done, herr := s.handleChunk(buf[:n])
			if herr != nil {
				metrics.ProtocolErrors.WithLabelValues(errorKind(herr)).Inc()
				s.log.Info("dropping connection", "error", herr)
				return
			}
			if done {
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("received EOF")
				// The peer hung up; treat it as an implicit QUIT.
				s.machine.Handle("quit")
			} else {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
	}
}

// handleChunk feeds one chunk to the machine and writes the reply, if any. It
// reports whether the closing reply was sent.
func (s *Session) handleChunk(chunk []byte) (bool, error) {
	if !utf8.Valid(chunk) {
		return false, ErrInvalidEncoding
	}

	resp, err := s.machine.Handle(string(chunk))
	if err != nil {
		return false, err
	}

	if resp.Deferred() {
		s.log.Debug("not responding, awaiting more data")
		return false, nil
	}

	if _, err := s.conn.Write(resp.Reply); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return true, nil
	}
	return resp.Close, nil
}

// finish persists the mail of a CollectingData or Completed final state and
// hands it to the forwarder.
func (s *Session) finish(ctx context.Context) {
	var mail email.Mail
	switch st := s.machine.Take().(type) {
	case CollectingData:
		s.log.Info("connection ended before QUIT, storing received data")
		mail = st.Mail
	case Completed:
		mail = st.Mail
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.store.Persist(ctx, mail); err != nil {
		metrics.MessagesPersisted.WithLabelValues("failure").Inc()
		s.log.Error("failed to persist mail", "error", err)
		return
	}
	metrics.MessagesPersisted.WithLabelValues("success").Inc()
	s.log.Info("mail stored",
		"from", mail.From,
		"recipients", len(mail.To),
		"size", len(mail.Data),
	)

	if s.forwarder == nil {
		return
	}
	if err := s.forwarder.Forward(ctx, mail); err != nil {
		metrics.MessagesForwarded.WithLabelValues(s.forwarder.Name(), "failure").Inc()
		s.log.Error("failed to forward mail",
			"forwarder", s.forwarder.Name(),
			"error", err,
		)
		return
	}
	metrics.MessagesForwarded.WithLabelValues(s.forwarder.Name(), "success").Inc()
}
