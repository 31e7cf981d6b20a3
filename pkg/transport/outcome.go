package transport

import (
	"context"
	"errors"

	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

var (
	ErrBind        = errors.New("transport: bind failed")
	ErrConnect     = errors.New("transport: connect failed")
	ErrUnknownPeer = errors.New("transport: no address for peer")
	ErrSelf        = errors.New("transport: refusing to contact self")
	ErrTerminating = errors.New("transport: terminating")
	ErrNotRunning  = errors.New("transport: not listening")
)

// Close reasons written to the remote and reported in Closure.
const (
	ReasonSuccess      = "success"
	ReasonFinished     = "finished"
	ReasonByRequest    = "by request"
	ReasonTimedOut     = "timed out"
	ReasonSelfTalk     = "schizophrenia"
	ReasonTerminating  = "secretary terminating"
	ReasonDisconnected = "disconnected"
	ReasonMalformed    = "malformed message"
	ReasonError        = "ERROR"
)

type Action uint8

const (
	ActionReply Action = iota
	ActionClose
	ActionFileTransfer
)

// Outcome is what a dispatcher asks the session to do next.
type Outcome struct {
	Action Action
	Reason string       // ActionClose
	Reply  wire.Message // ActionReply
}

func Close(reason string) Outcome { return Outcome{Action: ActionClose, Reason: reason} }

func Reply(m wire.Message) Outcome { return Outcome{Action: ActionReply, Reply: m} }

// Closure describes how a session ended.
type Closure struct {
	Reason string
	Remote bool // the remote side asked to close
	Peer   string
}

// Dispatcher handles one inbound message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg wire.Message) Outcome
}

type DispatcherFunc func(ctx context.Context, msg wire.Message) Outcome

func (f DispatcherFunc) Dispatch(ctx context.Context, msg wire.Message) Outcome { return f(ctx, msg) }

// PeerBook is the subset of the node registry the transport reads addresses
// from and reports contact to. *registry.Registry satisfies it.
type PeerBook interface {
	Get(id string) (registry.PeerRecord, bool, error)
	All() ([]registry.PeerRecord, error)
	MadeContact(id, address, control string) error
	Touch(id string) error
	TimedOut(id string) error
}

// reasonLabel bounds the metric label set; remote reasons are free text.
func reasonLabel(reason string) string {
	switch reason {
	case ReasonSuccess, ReasonFinished, ReasonByRequest, ReasonTimedOut, ReasonSelfTalk,
		ReasonTerminating, ReasonDisconnected, ReasonMalformed, ReasonError:
		return reason
	default:
		return "other"
	}
}
