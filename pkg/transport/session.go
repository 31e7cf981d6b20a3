package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

type session struct {
	conn net.Conn
	peer string // empty until the first message names the sender
	done chan Closure
}

func (s *Secretary) read(sess *session) (wire.Message, error) {
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.SessionTimeout))
	return wire.ReadMessage(sess.conn, s.cfg.Limits)
}

func (s *Secretary) write(sess *session, m wire.Message) error {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.SessionTimeout))
	return wire.WriteMessage(sess.conn, m, s.cfg.Limits)
}

func (s *Secretary) message(data any, headers ...string) wire.Message {
	m, err := s.Identity().NewMessage(data, headers...)
	if err != nil {
		// only reachable with unencodable data
		s.log.Error("build message", zap.Error(err))
		m, _ = s.Identity().NewMessage(nil, headers...)
	}
	return m
}

// run services sess until it ends, then closes it and reports the closure.
func (s *Secretary) run(ctx context.Context, sess *session) {
	c := s.converse(ctx, sess)
	c.Peer = sess.peer
	s.finish(sess, c)
}

func (s *Secretary) converse(ctx context.Context, sess *session) Closure {
	for !s.lc.IsTerminating() {
		msg, err := s.read(sess)
		if err != nil {
			return s.readFailure(sess, err)
		}
		if msg.SenderID == s.cfg.ID {
			s.log.Warn("message from self rejected", zap.String("remote", sess.conn.RemoteAddr().String()))
			return Closure{Reason: ReasonSelfTalk}
		}
		if msg.SenderID != "" {
			sess.peer = msg.SenderID
		}
		s.contact(msg)

		if msg.Tagged(wire.TagCloseConnection) {
			reason, ok := msg.Text()
			if !ok || reason == "" {
				reason = ReasonByRequest
			}
			return Closure{Reason: reason, Remote: true}
		}
		if msg.Tagged(wire.TagFileTransfer) {
			return s.receiveFiles(sess)
		}

		out := s.dispatch(ctx, msg)
		s.touch(msg.SenderID)

		switch out.Action {
		case ActionClose:
			return Closure{Reason: out.Reason}
		case ActionFileTransfer:
			return s.receiveFiles(sess)
		default:
			if err := s.write(sess, out.Reply); err != nil {
				return Closure{Reason: ReasonDisconnected}
			}
		}
	}
	return Closure{Reason: ReasonTerminating}
}

func (s *Secretary) readFailure(sess *session, err error) Closure {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if sess.peer != "" {
			if err := s.peers.TimedOut(sess.peer); err != nil {
				s.log.Warn("mark peer unknown", zap.String("peer", sess.peer), zap.Error(err))
			}
		}
		return Closure{Reason: ReasonTimedOut}
	case errors.Is(err, wire.ErrMalformedMessage), errors.Is(err, wire.ErrPayloadTooLarge), errors.Is(err, wire.ErrShortFrame):
		s.log.Warn("protocol violation", zap.String("peer", sess.peer), zap.Error(err))
		return Closure{Reason: ReasonMalformed}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return Closure{Reason: ReasonDisconnected, Remote: true}
	default:
		s.log.Debug("read failed", zap.String("peer", sess.peer), zap.Error(err))
		return Closure{Reason: ReasonDisconnected, Remote: true}
	}
}

// finish removes sess from the active set and closes it. Unless the remote
// asked to close, it is told why first.
func (s *Secretary) finish(sess *session, c Closure) {
	s.untrack(sess)
	if !c.Remote {
		m := s.message(c.Reason, wire.TagCloseConnection)
		_ = sess.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wire.WriteMessage(sess.conn, m, s.cfg.Limits)
	}
	_ = sess.conn.Close()
	telemetry.SessionsTotal.WithLabelValues(reasonLabel(c.Reason)).Inc()
	s.log.Debug("session closed",
		zap.String("peer", c.Peer),
		zap.String("reason", c.Reason),
		zap.Bool("remote", c.Remote),
	)
	sess.done <- c
}

func (s *Secretary) contact(msg wire.Message) {
	if msg.SenderID == "" {
		return
	}
	if err := s.peers.MadeContact(msg.SenderID, msg.SenderAddress, msg.SenderControl); err != nil {
		s.log.Warn("record contact", zap.String("peer", msg.SenderID), zap.Error(err))
	}
}

func (s *Secretary) touch(id string) {
	if id == "" {
		return
	}
	if err := s.peers.Touch(id); err != nil {
		s.log.Warn("touch contact time", zap.String("peer", id), zap.Error(err))
	}
}

// dial opens a TCP connection to id under the connect timeout and registers
// it as an active session. A timeout marks the peer Unknown.
func (s *Secretary) dial(ctx context.Context, id string) (*session, error) {
	if id == s.cfg.ID {
		return nil, ErrSelf
	}
	if s.closing.Load() || s.lc.IsTerminating() {
		return nil, ErrTerminating
	}
	rec, ok, err := s.peers.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Address == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", rec.Address)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.log.Info("peer timed out", zap.String("peer", id), zap.String("addr", rec.Address))
			if terr := s.peers.TimedOut(id); terr != nil {
				s.log.Warn("mark peer unknown", zap.String("peer", id), zap.Error(terr))
			}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, id, err)
	}
	if err := s.peers.MadeContact(id, rec.Address, ""); err != nil {
		s.log.Warn("record contact", zap.String("peer", id), zap.Error(err))
	}
	return s.track(conn, id), nil
}

// Communicate opens a session with id and writes msg. It returns once the
// request is written; the session then continues in the background and its
// Closure is delivered on the returned channel.
func (s *Secretary) Communicate(ctx context.Context, id string, msg wire.Message) (<-chan Closure, error) {
	sess, err := s.dial(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.write(sess, msg); err != nil {
		s.finish(sess, Closure{Reason: ReasonDisconnected, Remote: true, Peer: id})
		return nil, fmt.Errorf("transport: write to %s: %w", id, err)
	}
	s.log.Debug("communicating", zap.String("peer", id), zap.Strings("header", msg.Header))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), sess)
	}()
	return sess.done, nil
}

// Request is Communicate followed by waiting for the session to end.
func (s *Secretary) Request(ctx context.Context, id string, msg wire.Message) (Closure, error) {
	done, err := s.Communicate(ctx, id, msg)
	if err != nil {
		return Closure{}, err
	}
	select {
	case c := <-done:
		return c, nil
	case <-ctx.Done():
		return Closure{}, ctx.Err()
	case <-s.lc.Done():
		return Closure{}, ErrTerminating
	}
}
