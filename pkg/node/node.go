// Package node assembles a cerebrate from its parts and runs it.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/cerebrate/discovery"
	"github.com/ryandielhenn/cerebrate/internal/config"
	"github.com/ryandielhenn/cerebrate/internal/sysinfo"
	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/clock"
	"github.com/ryandielhenn/cerebrate/pkg/hive"
	"github.com/ryandielhenn/cerebrate/pkg/kv"
	"github.com/ryandielhenn/cerebrate/pkg/lifecycle"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/taskqueue"
	"github.com/ryandielhenn/cerebrate/pkg/transport"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

const (
	ntpInterval  = 10 * time.Minute
	farewellTime = 5 * time.Second
)

type Node struct {
	cfg   config.Config
	id    string
	log   *zap.Logger
	clock clock.Clock
	ntp   *clock.Offset

	lc     *lifecycle.Tracker
	queue  *taskqueue.Queue
	bridge *taskqueue.Bridge
	reg    *registry.Registry
	kv     *kv.Store
	net    *transport.Secretary
	hive   *hive.Hive

	admin     *http.Server
	adminAddr string

	terminate chan struct{}
	termOnce  sync.Once
	closeOnce sync.Once
	started   time.Time
}

// New opens the node's stores and wires its components. Nothing listens
// until Run.
func New(cfg config.Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: data dir: %w", err)
	}
	id, err := sysinfo.NodeID(cfg.ID, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("node", id))

	n := &Node{
		cfg:       cfg,
		id:        id,
		log:       log,
		clock:     clock.System,
		lc:        lifecycle.New(),
		queue:     taskqueue.New(log.Named("queue")),
		bridge:    taskqueue.NewBridge(cfg.Workers),
		terminate: make(chan struct{}),
	}
	if cfg.NTPServer != "" {
		n.ntp = clock.NewOffset(cfg.NTPServer)
		n.clock = n.ntp
	}

	if n.reg, err = registry.Open(cfg.Path("peers.db"), id, n.clock); err != nil {
		n.close()
		return nil, err
	}
	if n.kv, err = kv.Open(cfg.Path("resources.db"), n.clock); err != nil {
		n.close()
		return nil, err
	}

	advertise := cfg.AdvertiseHost
	if advertise == "" && (cfg.BindHost == "" || cfg.BindHost == "0.0.0.0") {
		advertise = sysinfo.AdvertisedIP()
	}
	n.net = transport.New(transport.Config{
		ID:             id,
		BindHost:       cfg.BindHost,
		AdvertiseHost:  advertise,
		TCPPort:        cfg.TCPPort,
		UDPPort:        cfg.UDPPort,
		Broadcast:      cfg.Broadcast,
		SessionTimeout: cfg.SessionTimeout.Duration,
		ConnectTimeout: cfg.ConnectTimeout.Duration,
		Limits:         wire.Limits{MaxPayloadBytes: cfg.MaxMessageBytes},
		SourceDir:      cfg.SourceDir,
		HiveDir:        cfg.HiveDir,
	}, n.reg, n.lc, n.queue, log)

	n.hive, err = hive.New(hive.Config{
		Name:      cfg.Name,
		Location:  cfg.Location,
		Version:   cfg.Version,
		SourceDir: cfg.SourceDir,
	}, n.reg, n.kv, n.net, n.lc, n.queue, log)
	if err != nil {
		n.close()
		return nil, err
	}
	n.net.SetDispatcher(n.hive)
	n.hive.OnRestart(n.Terminate)

	n.lc.OnChange(func(s lifecycle.State) {
		telemetry.LifecycleState.Set(float64(s))
		log.Info("lifecycle", zap.Stringer("state", s))
	})
	telemetry.SetBuildInfo(cfg.Version)
	return n, nil
}

func (n *Node) ID() string { return n.id }

// Identity is the node's message stamp; addresses are set once Run has bound.
func (n *Node) Identity() wire.Identity { return n.net.Identity() }

func (n *Node) State() lifecycle.State { return n.lc.Current() }

// Ready is closed once the node has said hello and is coordinating.
func (n *Node) Ready() <-chan struct{} { return n.lc.Signal(lifecycle.Coordinating) }

// AdminAddr is the bound admin address, empty when the admin server is off.
func (n *Node) AdminAddr() string { return n.adminAddr }

// Terminate asks Run to leave the hive and stop.
func (n *Node) Terminate() {
	n.termOnce.Do(func() { close(n.terminate) })
}

// RestartRequested reports whether a peer asked this node to restart after
// an update.
func (n *Node) RestartRequested() bool { return n.hive.RestartRequested() }

// SetLocal installs the handler for commands the hive does not know.
func (n *Node) SetLocal(l hive.LocalDispatcher) { n.hive.SetLocal(l) }

func (n *Node) SetNotifier(nt hive.Notifier) { n.hive.SetNotifier(nt) }

// Run binds the sockets and serves until ctx is done or Terminate is called.
// A bind failure is returned before the node enters Listening.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()
	n.started = time.Now()

	if err := n.net.Listen(ctx); err != nil {
		return err
	}
	var adminLn net.Listener
	if n.cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.AdminAddr)
		if err != nil {
			_ = n.net.Shutdown(ctx)
			return fmt.Errorf("%w: admin: %v", transport.ErrBind, err)
		}
		adminLn = ln
		n.adminAddr = ln.Addr().String()
		n.admin = &http.Server{Handler: n.Routes(), ReadHeaderTimeout: 5 * time.Second}
	}
	n.lc.Set(lifecycle.Listening)

	// Serving outlives ctx so goodbye can still talk to peers.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		n.queue.Run(gctx, n.lc)
		return nil
	})
	g.Go(func() error { return n.net.Serve(gctx) })
	if adminLn != nil {
		g.Go(func() error {
			n.log.Info("admin listening", zap.String("addr", n.adminAddr))
			if err := n.admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("node: admin: %w", err)
			}
			return nil
		})
	}
	if n.ntp != nil {
		g.Go(func() error {
			n.syncClock(gctx)
			n.ntp.Run(gctx, ntpInterval, func(err error) {
				n.log.Warn("ntp sync", zap.Error(err))
			})
			return nil
		})
	}
	if len(n.cfg.Etcd.Endpoints) > 0 {
		g.Go(func() error {
			n.discover(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := n.hive.Hello(gctx); err != nil {
			n.log.Warn("hello", zap.Error(err))
		}
		n.lc.Set(lifecycle.Coordinating)

		select {
		case <-ctx.Done():
		case <-gctx.Done():
		case <-n.terminate:
		}
		err := n.shutdown(runCtx)
		cancel()
		return err
	})
	return g.Wait()
}

// shutdown leaves the hive, then stops accepting work and drains sessions.
func (n *Node) shutdown(ctx context.Context) error {
	bye, cancel := context.WithTimeout(ctx, farewellTime)
	defer cancel()
	if err := n.hive.Goodbye(bye); err != nil {
		n.log.Warn("goodbye", zap.Error(err))
	}

	n.lc.Set(lifecycle.Terminating)
	drain, cancelDrain := context.WithTimeout(ctx, n.cfg.SessionTimeout.Duration+time.Second)
	defer cancelDrain()
	err := n.net.Shutdown(drain)
	if n.admin != nil {
		if aerr := n.admin.Shutdown(drain); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}
	n.log.Info("stopped", zap.Duration("uptime", time.Since(n.started)))
	return err
}

// syncClock takes the first NTP measurement off the run loop.
func (n *Node) syncClock(ctx context.Context) {
	_, err := taskqueue.Offload(ctx, n.bridge, func() (struct{}, error) {
		return struct{}{}, n.ntp.Sync()
	})
	if err != nil {
		n.log.Warn("ntp sync", zap.Error(err))
		return
	}
	n.log.Info("clock offset", zap.Duration("offset", n.ntp.Current()))
}

// discover registers this node in etcd and copies the addresses of every
// registered node into the registry.
func (n *Node) discover(ctx context.Context) {
	e := n.cfg.Etcd
	cli, err := discovery.NewClient(e.Endpoints)
	if err != nil {
		n.log.Warn("etcd client", zap.Error(err))
		return
	}
	defer cli.Close()

	id := n.Identity()
	lease, stop, err := discovery.RegisterNode(ctx, cli, e.Prefix, n.id, discovery.Peer{Address: id.Address, Control: id.Control}, e.TTL)
	if err != nil {
		n.log.Warn("etcd register", zap.Error(err))
		return
	}
	defer func() {
		stop()
		revoke, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_, _ = cli.Revoke(revoke, lease)
	}()

	err = discovery.WatchPeers(ctx, cli, e.Prefix, func(peers map[string]discovery.Peer) {
		n.seed(peers)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		n.log.Warn("etcd watch", zap.Error(err))
	}
}

func (n *Node) seed(peers map[string]discovery.Peer) {
	for id, p := range peers {
		if id == n.id {
			continue
		}
		_, err := n.reg.Update(id, func(rec *registry.PeerRecord) {
			rec.Address = NormalizeHostPort(p.Address, strconv.Itoa(n.cfg.TCPPort))
			if p.Control != "" {
				rec.Control = p.Control
			}
		})
		if err != nil {
			n.log.Warn("seed peer", zap.String("peer", id), zap.Error(err))
			continue
		}
		n.log.Debug("seeded peer", zap.String("peer", id), zap.String("address", p.Address))
	}
}

func (n *Node) close() {
	n.closeOnce.Do(func() {
		if n.bridge != nil {
			n.bridge.Close()
		}
		if n.kv != nil {
			_ = n.kv.Close()
		}
		if n.reg != nil {
			_ = n.reg.Close()
		}
	})
}

// Collaborator API. Reads go through the bridge so callers on other
// goroutines never block on the database directly.

func (n *Node) QueryPeers(ctx context.Context) ([]registry.PeerRecord, error) {
	return taskqueue.Offload(ctx, n.bridge, n.reg.All)
}

// Peer returns one record, or registry.ErrNotFound.
func (n *Node) Peer(ctx context.Context, id string) (registry.PeerRecord, error) {
	return taskqueue.Offload(ctx, n.bridge, func() (registry.PeerRecord, error) {
		rec, ok, err := n.reg.Get(id)
		if err != nil {
			return rec, err
		}
		if !ok {
			return rec, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
		}
		return rec, nil
	})
}

func (n *Node) QueryResources(ctx context.Context, section string) (map[string]kv.Entry, error) {
	return taskqueue.Offload(ctx, n.bridge, func() (map[string]kv.Entry, error) {
		return n.kv.Section(section)
	})
}

func (n *Node) Sections(ctx context.Context) ([]string, error) {
	return taskqueue.Offload(ctx, n.bridge, n.kv.Sections)
}

// Send delivers a command to id and waits for the session to close.
func (n *Node) Send(ctx context.Context, id string, data any, headers ...string) (transport.Closure, error) {
	msg, err := n.Identity().NewMessage(data, headers...)
	if err != nil {
		return transport.Closure{}, err
	}
	return n.net.Request(ctx, id, msg)
}

func (n *Node) Broadcast(ctx context.Context, data any, headers ...string) error {
	msg, err := n.Identity().NewMessage(data, headers...)
	if err != nil {
		return err
	}
	return n.net.Broadcast(ctx, msg)
}

func (n *Node) SaveResources(ctx context.Context, section string, values map[string]json.RawMessage) (map[string]kv.Entry, error) {
	return n.hive.SaveResources(ctx, section, values)
}

func (n *Node) Designate(ctx context.Context, id string) error {
	return n.hive.Designate(ctx, id)
}
