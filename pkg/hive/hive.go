// Package hive is the coordination protocol: it answers the commands
// cerebrates send each other, keeps the Overmind role in one place in the
// local view and replicates records and resources.
//
// Replication is a star. Any node sends updates to the Overmind; only the
// Overmind relays what it accepted to everyone else. If the Overmind is
// unreachable, propagation stalls until another node takes the role.
package hive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/kv"
	"github.com/ryandielhenn/cerebrate/pkg/lifecycle"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/taskqueue"
	"github.com/ryandielhenn/cerebrate/pkg/transport"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

var ErrHandshake = errors.New("hive: designation not acknowledged")

// defaultUpdateWait bounds how long an accepted update may take to end in a
// restart before another update cycle is allowed.
const defaultUpdateWait = 2 * time.Minute

// Close reasons specific to coordination.
const (
	ReasonRecordsUpdated   = "records updated"
	ReasonResourcesUpdated = "resources updated"
	ReasonNotRecognized    = "command not recognized"
	ReasonTerminating      = "cerebrate terminating"
	ReasonUpdateInProgress = "update in progress"
)

// Sender is the outbound half of the transport. *transport.Secretary
// satisfies it.
type Sender interface {
	Identity() wire.Identity
	Communicate(ctx context.Context, id string, msg wire.Message) (<-chan transport.Closure, error)
	Request(ctx context.Context, id string, msg wire.Message) (transport.Closure, error)
	Broadcast(ctx context.Context, msg wire.Message) error
	TransferFiles(ctx context.Context, id string, paths []string) error
}

// LocalDispatcher handles messages that are not coordination commands, such
// as user-facing commands of the node's own command layer.
type LocalDispatcher interface {
	DispatchLocal(ctx context.Context, msg wire.Message) (handled bool, out transport.Outcome)
}

// Notifier shows ping and display_message payloads to the user.
type Notifier interface {
	Notify(from, text string)
}

type Config struct {
	Name      string
	Location  string
	Version   string
	SourceDir string // tree sent to out-of-date peers
}

type Hive struct {
	cfg     Config
	version semver.Version
	log     *zap.Logger

	reg   *registry.Registry
	store *kv.Store
	net   Sender
	lc    *lifecycle.Tracker
	queue *taskqueue.Queue

	local    LocalDispatcher
	notifier Notifier

	updating   atomic.Bool
	updateWait time.Duration
	restart    atomic.Bool
	onRestart  func()
}

func New(cfg Config, reg *registry.Registry, store *kv.Store, net Sender, lc *lifecycle.Tracker, queue *taskqueue.Queue, log *zap.Logger) (*Hive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("hive: version %q: %w", cfg.Version, err)
	}
	h := &Hive{
		cfg:     cfg,
		version: *v,
		log:     log.Named("hive"),
		reg:     reg,
		store:   store,
		net:     net,
		lc:      lc,
		queue:   queue,

		updateWait: defaultUpdateWait,
	}
	h.notifier = logNotifier{log: h.log}
	return h, nil
}

// SetLocal installs the fallback for unrecognized commands.
func (h *Hive) SetLocal(l LocalDispatcher) { h.local = l }

func (h *Hive) SetNotifier(n Notifier) {
	if n != nil {
		h.notifier = n
	}
}

// OnRestart registers what the restart command runs after flagging the
// restart, normally node termination.
func (h *Hive) OnRestart(fn func()) { h.onRestart = fn }

// RestartRequested reports whether a peer asked this node to restart.
func (h *Hive) RestartRequested() bool { return h.restart.Load() }

func (h *Hive) Version() string { return h.version.String() }

func (h *Hive) self() string { return h.reg.Self() }

// Dispatch answers one inbound message. Handler panics are contained here
// and reported to the remote as ReasonError.
func (h *Hive) Dispatch(ctx context.Context, msg wire.Message) (out transport.Outcome) {
	if h.lc.IsTerminating() {
		telemetry.MessagesDispatched.WithLabelValues("any", "refused").Inc()
		return transport.Close(ReasonTerminating)
	}

	cmd, known := Match(msg.Header)
	label := "local"
	if known {
		label = cmd.String()
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panicked",
				zap.String("command", label),
				zap.String("from", msg.SenderID),
				zap.Any("panic", r),
			)
			telemetry.MessagesDispatched.WithLabelValues(label, "panic").Inc()
			out = transport.Close(transport.ReasonError)
		}
	}()

	if err := h.reg.Touch(h.self()); err != nil {
		h.log.Warn("refresh own contact time", zap.Error(err))
	}

	if !known {
		if h.local != nil {
			if handled, res := h.local.DispatchLocal(ctx, msg); handled {
				telemetry.MessagesDispatched.WithLabelValues(label, "ok").Inc()
				return res
			}
		}
		telemetry.MessagesDispatched.WithLabelValues("none", "unrecognized").Inc()
		h.log.Debug("command not recognized", zap.Strings("header", msg.Header), zap.String("from", msg.SenderID))
		return transport.Close(ReasonNotRecognized)
	}

	h.log.Debug("dispatch", zap.String("command", label), zap.String("from", msg.SenderID))
	out = h.handle(ctx, cmd, msg)
	telemetry.MessagesDispatched.WithLabelValues(label, "ok").Inc()
	return out
}

func (h *Hive) handle(ctx context.Context, cmd Command, msg wire.Message) transport.Outcome {
	switch cmd {
	case Acknowledge:
		return h.acknowledge(ctx, msg)
	case UpdateRecords:
		return h.updateRecords(ctx, msg)
	case UpdateResources:
		return h.updateResources(ctx, msg)
	case ShareResources:
		return h.shareResources(ctx, msg)
	case Ping:
		return h.ping(ctx, msg)
	case DisplayMessage:
		return h.displayMessage(ctx, msg)
	case AssumeOvermind:
		return h.assumeOvermind(ctx, msg)
	case CheckVersion:
		return h.checkVersion(ctx, msg)
	case SendUpdate:
		return h.sendUpdate(ctx, msg)
	case Restart:
		return h.restartNode(ctx, msg)
	default:
		return transport.Close(ReasonNotRecognized)
	}
}

// message builds a message stamped with this node's identity.
func (h *Hive) message(data any, headers ...string) (wire.Message, error) {
	return h.net.Identity().NewMessage(data, headers...)
}

// send opens a session with id and writes a message without waiting for
// the exchange to finish.
func (h *Hive) send(ctx context.Context, id string, data any, headers ...string) error {
	m, err := h.message(data, headers...)
	if err != nil {
		return err
	}
	if _, err := h.net.Communicate(ctx, id, m); err != nil {
		return err
	}
	return nil
}

func (h *Hive) broadcast(ctx context.Context, data any, headers ...string) error {
	m, err := h.message(data, headers...)
	if err != nil {
		return err
	}
	return h.net.Broadcast(ctx, m)
}

func (h *Hive) isOvermind() bool {
	ok, err := h.reg.IsOvermind()
	if err != nil {
		h.log.Warn("read overmind", zap.Error(err))
		return false
	}
	return ok
}

type logNotifier struct{ log *zap.Logger }

func (n logNotifier) Notify(from, text string) {
	n.log.Info("message", zap.String("from", from), zap.String("text", text))
}
