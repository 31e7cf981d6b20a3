package hive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/pkg/kv"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/transport"
)

// Designate makes id the Overmind. It is a no-op when id already holds the
// role in the local view. Designating this node announces the change to
// everyone with an overrule; designating a peer asks it to assume the role
// and only records the handoff once it acknowledges.
func (h *Hive) Designate(ctx context.Context, id string) error {
	current, ok, err := h.reg.Overmind()
	if err != nil {
		return err
	}
	if ok && current.ID == id {
		return nil
	}

	if id == h.self() {
		changed, err := h.reg.Designate(id)
		if err != nil || !changed {
			return err
		}
		h.log.Info("designated self overmind")
		rec, _, err := h.reg.Get(id)
		if err != nil {
			return err
		}
		return h.broadcast(ctx, []registry.PeerRecord{rec}, UpdateRecords.String(), TagOverrule)
	}

	msg, err := h.message(nil, AssumeOvermind.String())
	if err != nil {
		return err
	}
	c, err := h.net.Request(ctx, id, msg)
	if err != nil {
		return fmt.Errorf("hive: designate %s: %w", id, err)
	}
	if c.Reason != transport.ReasonSuccess {
		return fmt.Errorf("%w: %s answered %q", ErrHandshake, id, c.Reason)
	}
	if _, err := h.reg.Designate(id); err != nil {
		return err
	}
	h.log.Info("designated overmind", zap.String("peer", id))
	return nil
}

// Hello announces this node on startup. Every other known peer is assumed
// asleep and this node provisionally claims the Overmind role until a real
// Overmind answers the acknowledge request and overrules it.
func (h *Hive) Hello(ctx context.Context) error {
	self := h.self()
	if err := h.reg.SetStatusExcept(registry.StatusAsleep, self); err != nil {
		return err
	}
	id := h.net.Identity()
	if _, err := h.reg.EnsureSelf(h.cfg.Name, h.cfg.Location, id.Address, id.Control); err != nil {
		return err
	}
	if _, err := h.reg.Designate(self); err != nil {
		return err
	}
	h.log.Info("hello", zap.String("address", id.Address), zap.String("version", h.Version()))
	return h.broadcast(ctx, versionInfo{Version: h.Version()}, Acknowledge.String())
}

// Goodbye hands off the Overmind role if this node holds it, marks itself
// asleep and sends its final record to the successor.
func (h *Hive) Goodbye(ctx context.Context) error {
	successor, err := h.successor(ctx)
	if err != nil {
		h.log.Warn("no successor", zap.Error(err))
	}
	if _, err := h.reg.SetSelfStatus(registry.StatusAsleep); err != nil {
		return err
	}
	if successor == "" || successor == h.self() {
		return nil
	}
	h.log.Info("goodbye", zap.String("overmind", successor))
	return h.shareSelf(ctx, successor)
}

// successor returns the node that holds the Overmind role after this one
// leaves. An Overmind tries each awake peer in id order until one accepts;
// when none does it steps down to drone and returns "".
func (h *Hive) successor(ctx context.Context) (string, error) {
	self := h.self()
	if !h.isOvermind() {
		return h.reg.OvermindID()
	}
	awake, err := h.reg.Filter(func(p registry.PeerRecord) bool {
		return p.ID != self && p.Status == registry.StatusAwake
	})
	if err != nil {
		return "", err
	}
	var errs []error
	for _, p := range awake {
		err := h.Designate(ctx, p.ID)
		if err == nil {
			return p.ID, nil
		}
		errs = append(errs, err)
		h.log.Warn("successor refused", zap.String("peer", p.ID), zap.Error(err))
		if err := h.reg.SetRole(p.ID, registry.RoleDrone); err != nil {
			return "", err
		}
		if err := h.reg.TimedOut(p.ID); err != nil {
			return "", err
		}
	}
	if err := h.reg.SetRole(self, registry.RoleDrone); err != nil {
		return "", err
	}
	return "", errors.Join(errs...)
}

// shareSelf sends this node's record to id and waits for it to be merged.
func (h *Hive) shareSelf(ctx context.Context, id string) error {
	rec, _, err := h.reg.Get(h.self())
	if err != nil {
		return err
	}
	msg, err := h.message([]registry.PeerRecord{rec}, UpdateRecords.String())
	if err != nil {
		return err
	}
	c, err := h.net.Request(ctx, id, msg)
	if err != nil {
		return err
	}
	if c.Reason != ReasonRecordsUpdated {
		return fmt.Errorf("hive: %s answered %q", id, c.Reason)
	}
	return nil
}

// Announce sends this node's current record to the Overmind, which relays
// it to everyone. The Overmind itself broadcasts directly.
func (h *Hive) Announce(ctx context.Context) error {
	overmind, err := h.reg.OvermindID()
	if err != nil {
		return err
	}
	if overmind == h.self() {
		rec, _, err := h.reg.Get(overmind)
		if err != nil {
			return err
		}
		return h.broadcast(ctx, []registry.PeerRecord{rec}, UpdateRecords.String())
	}
	return h.shareSelf(ctx, overmind)
}

// SaveResources stores values under section, stamped now, and replicates the
// accepted entries: the Overmind broadcasts them, any other node sends them
// to the Overmind.
func (h *Hive) SaveResources(ctx context.Context, section string, values map[string]json.RawMessage) (map[string]kv.Entry, error) {
	accepted, err := h.store.Set(section, values)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return accepted, nil
	}
	if h.isOvermind() {
		return accepted, h.broadcast(ctx, accepted, UpdateResources.String(), sectionTag(section))
	}
	overmind, err := h.reg.OvermindID()
	if err != nil {
		return accepted, err
	}
	return accepted, h.send(ctx, overmind, accepted, UpdateResources.String(), sectionTag(section))
}
