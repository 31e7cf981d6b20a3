package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

const maxDatagram = 64 * 1024

func (s *Secretary) datagramLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("datagram read failed", zap.Error(err))
			continue
		}
		telemetry.DatagramsTotal.WithLabelValues("in").Inc()
		if s.lc.IsTerminating() {
			continue
		}
		msg, err := wire.Unmarshal(buf[:n])
		if err != nil {
			s.log.Debug("dropping malformed datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if msg.SenderID == s.cfg.ID {
			continue
		}
		s.queue.Enqueue(func(ctx context.Context) {
			s.contact(msg)
			out := s.dispatch(ctx, msg)
			s.touch(msg.SenderID)
			s.log.Debug("datagram handled", zap.Strings("header", msg.Header), zap.String("result", out.Reason))
		})
	}
}

// Broadcast sends msg as a datagram to the configured broadcast address, or
// to every known peer's control address when none is configured.
func (s *Secretary) Broadcast(ctx context.Context, msg wire.Message) error {
	if s.cfg.Broadcast != "" {
		return s.sendDatagram(ctx, s.cfg.Broadcast, msg, true)
	}
	recs, err := s.peers.All()
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if rec.ID == s.cfg.ID {
			continue
		}
		addr := s.controlAddress(rec.Control, rec.Address)
		if addr == "" {
			continue
		}
		if err := s.sendDatagram(ctx, addr, msg, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SendTo sends msg as a single datagram to id.
func (s *Secretary) SendTo(ctx context.Context, id string, msg wire.Message) error {
	if id == s.cfg.ID {
		return ErrSelf
	}
	rec, ok, err := s.peers.Get(id)
	if err != nil {
		return err
	}
	addr := s.controlAddress(rec.Control, rec.Address)
	if !ok || addr == "" {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return s.sendDatagram(ctx, addr, msg, false)
}

// controlAddress prefers the advertised UDP address and otherwise assumes the
// configured UDP port on the peer's TCP host.
func (s *Secretary) controlAddress(control, address string) string {
	if control != "" {
		return control
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" || s.cfg.UDPPort == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.UDPPort))
}

func (s *Secretary) sendDatagram(ctx context.Context, addr string, msg wire.Message, broadcast bool) error {
	b, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if len(b) > maxDatagram {
		return wire.ErrPayloadTooLarge
	}
	return sendPacket(ctx, addr, b, broadcast)
}

func sendPacket(ctx context.Context, addr string, payload []byte, broadcast bool) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	lc := net.ListenConfig{}
	if broadcast {
		lc.Control = enableBroadcast
	}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("transport: open datagram socket: %w", err)
	}
	defer pc.Close()
	if _, err := pc.WriteTo(payload, raddr); err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	telemetry.DatagramsTotal.WithLabelValues("out").Inc()
	return nil
}
