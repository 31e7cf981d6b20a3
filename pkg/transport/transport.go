// Package transport moves wire messages between cerebrates. TCP carries
// request/response sessions and file transfers; UDP carries fire-and-forget
// control datagrams, either broadcast or unicast.
//
// Every TCP session, inbound or outbound, is serviced by one goroutine that
// reads a message, hands it to the Dispatcher and acts on the returned
// Outcome. A session ends when the dispatcher asks to close, when the remote
// does, or when no message arrives within the session timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/lifecycle"
	"github.com/ryandielhenn/cerebrate/pkg/taskqueue"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

type Config struct {
	ID            string
	BindHost      string
	AdvertiseHost string // defaults to BindHost
	TCPPort       int    // 0 picks a free port
	UDPPort       int

	// Broadcast is the UDP broadcast address. When empty, Broadcast sends
	// one datagram to each known peer instead.
	Broadcast string

	SessionTimeout time.Duration
	ConnectTimeout time.Duration
	Limits         wire.Limits

	// Roots for received files.
	SourceDir string
	HiveDir   string
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 14 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = wire.DefaultLimits()
	}
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = c.BindHost
	}
	return c
}

// Secretary owns the node's listening sockets and its active sessions.
type Secretary struct {
	cfg   Config
	log   *zap.Logger
	peers PeerBook
	lc    *lifecycle.Tracker
	queue *taskqueue.Queue

	dispatcher atomic.Pointer[Dispatcher]

	mu       sync.Mutex
	identity wire.Identity
	tcp      net.Listener
	udp      *net.UDPConn
	active   map[*session]struct{}
	drained  chan struct{} // closed while active is empty
	closing  atomic.Bool
	wg       sync.WaitGroup
}

func New(cfg Config, peers PeerBook, lc *lifecycle.Tracker, queue *taskqueue.Queue, log *zap.Logger) *Secretary {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	drained := make(chan struct{})
	close(drained)
	return &Secretary{
		cfg:     cfg,
		log:     log.Named("transport"),
		peers:   peers,
		lc:      lc,
		queue:   queue,
		active:  make(map[*session]struct{}),
		drained: drained,
	}
}

// SetDispatcher installs the handler for inbound messages. It must be called
// before Listen.
func (s *Secretary) SetDispatcher(d Dispatcher) {
	s.dispatcher.Store(&d)
}

func (s *Secretary) dispatch(ctx context.Context, msg wire.Message) Outcome {
	d := s.dispatcher.Load()
	if d == nil {
		return Close("no dispatcher")
	}
	return (*d).Dispatch(ctx, msg)
}

// Identity is the stamp for outgoing messages. Addresses are known once
// Listen has bound the sockets.
func (s *Secretary) Identity() wire.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.ID == "" {
		return wire.Identity{ID: s.cfg.ID}
	}
	return s.identity
}

// Listen binds the TCP and UDP sockets. A bind failure is fatal for the node
// and is reported wrapped in ErrBind.
func (s *Secretary) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	tcp, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.TCPPort)))
	if err != nil {
		return fmt.Errorf("%w: tcp: %v", ErrBind, err)
	}
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.UDPPort)))
	if err != nil {
		_ = tcp.Close()
		return fmt.Errorf("%w: udp: %v", ErrBind, err)
	}

	tcpPort := tcp.Addr().(*net.TCPAddr).Port
	udpPort := pc.LocalAddr().(*net.UDPAddr).Port
	host := s.cfg.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}

	s.mu.Lock()
	s.tcp = tcp
	s.udp = pc.(*net.UDPConn)
	s.identity = wire.Identity{
		ID:      s.cfg.ID,
		Address: net.JoinHostPort(host, strconv.Itoa(tcpPort)),
		Control: net.JoinHostPort(host, strconv.Itoa(udpPort)),
	}
	s.mu.Unlock()

	s.log.Info("listening",
		zap.String("tcp", tcp.Addr().String()),
		zap.String("udp", pc.LocalAddr().String()),
	)
	return nil
}

// Serve runs the accept and datagram loops until Shutdown closes the sockets.
func (s *Secretary) Serve(ctx context.Context) error {
	s.mu.Lock()
	tcp, udp := s.tcp, s.udp
	s.mu.Unlock()
	if tcp == nil || udp == nil {
		return ErrNotRunning
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, tcp) })
	g.Go(func() error { return s.datagramLoop(ctx, udp) })
	return g.Wait()
}

func (s *Secretary) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if s.lc.IsTerminating() {
			_ = conn.Close()
			continue
		}
		sess := s.track(conn, "")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, sess)
		}()
	}
}

// Active is the number of sessions currently being serviced.
func (s *Secretary) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Drained returns a channel that is closed while no session is active.
func (s *Secretary) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

func (s *Secretary) track(conn net.Conn, peer string) *session {
	sess := &session{conn: conn, peer: peer, done: make(chan Closure, 1)}
	s.mu.Lock()
	if len(s.active) == 0 {
		s.drained = make(chan struct{})
	}
	s.active[sess] = struct{}{}
	n := len(s.active)
	s.mu.Unlock()
	telemetry.ActiveConnections.Set(float64(n))
	return sess
}

func (s *Secretary) untrack(sess *session) {
	s.mu.Lock()
	if _, ok := s.active[sess]; !ok {
		s.mu.Unlock()
		s.log.Error("session closed but not in active set", zap.String("peer", sess.peer))
		return
	}
	delete(s.active, sess)
	n := len(s.active)
	if n == 0 {
		close(s.drained)
	}
	s.mu.Unlock()
	telemetry.ActiveConnections.Set(float64(n))
}

// Shutdown stops taking new sessions, waits for active sessions to drain
// (bounded by ctx and the session timeout) and closes the sockets. The node
// lifecycle should already be Terminating.
func (s *Secretary) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	var drainErr error
	timer := time.NewTimer(s.cfg.SessionTimeout)
	defer timer.Stop()
	select {
	case <-s.Drained():
	case <-timer.C:
		drainErr = fmt.Errorf("transport: %d sessions still active after %s", s.Active(), s.cfg.SessionTimeout)
	case <-ctx.Done():
		drainErr = ctx.Err()
	}

	s.mu.Lock()
	tcp, udp := s.tcp, s.udp
	for sess := range s.active {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
	if tcp != nil {
		_ = tcp.Close()
	}
	if udp != nil {
		_ = udp.Close()
	}
	s.wg.Wait()
	s.log.Info("transport closed")
	return drainErr
}
