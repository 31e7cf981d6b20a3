package hive

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/pkg/kv"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/transport"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

type versionInfo struct {
	Version string `json:"version,omitempty"`
}

// peerVersion reads the version a peer attached to msg. ok is false when
// there is none; err is set when it is not a version.
func peerVersion(msg wire.Message) (v *semver.Version, ok bool, err error) {
	var info versionInfo
	if msg.Decode(&info) != nil || info.Version == "" {
		return nil, false, nil
	}
	v, err = semver.NewVersion(info.Version)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// acknowledge is answered only by the Overmind. It hands a newly woken node
// the full record set (overruling its provisional claim), every resource
// section, and asks for the newcomer's resources in return.
func (h *Hive) acknowledge(ctx context.Context, msg wire.Message) transport.Outcome {
	if !h.isOvermind() {
		return transport.Close(transport.ReasonFinished)
	}
	to := msg.SenderID
	h.log.Info("acknowledging", zap.String("peer", to))

	recs, err := h.reg.All()
	if err != nil {
		h.log.Error("list records", zap.Error(err))
		return transport.Close(transport.ReasonError)
	}
	if err := h.send(ctx, to, recs, UpdateRecords.String(), TagReciprocate, TagOverrule); err != nil {
		h.log.Warn("send records", zap.String("peer", to), zap.Error(err))
		return transport.Close(transport.ReasonError)
	}
	h.sendSections(ctx, to)
	if err := h.send(ctx, to, nil, ShareResources.String()); err != nil {
		h.log.Warn("request resources", zap.String("peer", to), zap.Error(err))
	}

	if _, ok, _ := peerVersion(msg); ok {
		return h.checkVersion(ctx, msg)
	}
	return transport.Close(transport.ReasonSuccess)
}

func (h *Hive) sendSections(ctx context.Context, to string) {
	sections, err := h.store.Sections()
	if err != nil {
		h.log.Error("list sections", zap.Error(err))
		return
	}
	for _, name := range sections {
		entries, err := h.store.Section(name)
		if err != nil {
			h.log.Error("read section", zap.String("section", name), zap.Error(err))
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if err := h.send(ctx, to, entries, UpdateResources.String(), sectionTag(name)); err != nil {
			h.log.Warn("send resources", zap.String("peer", to), zap.String("section", name), zap.Error(err))
		}
	}
}

// updateRecords merges the sender's records. An overrule tag makes the
// sender the Overmind in the local view. If this node is then the Overmind,
// whatever it accepted is relayed to everyone.
func (h *Hive) updateRecords(ctx context.Context, msg wire.Message) transport.Outcome {
	var recs []registry.PeerRecord
	if err := msg.Decode(&recs); err != nil {
		return transport.Close(fmt.Sprintf("invalid records: %v", err))
	}

	if msg.Tagged(TagOverrule) {
		changed, err := h.reg.Designate(msg.SenderID)
		if err != nil {
			return transport.Close(transport.ReasonError)
		}
		if changed {
			h.log.Info("overruled", zap.String("overmind", msg.SenderID))
		}
	}

	accepted, err := h.reg.Merge(recs...)
	if err != nil {
		h.log.Error("merge records", zap.String("from", msg.SenderID), zap.Error(err))
		return transport.Close(transport.ReasonError)
	}
	if len(accepted) > 0 && h.isOvermind() {
		if err := h.broadcast(ctx, accepted, UpdateRecords.String()); err != nil {
			h.log.Warn("relay records", zap.Error(err))
		}
	}

	if msg.Tagged(TagReciprocate) {
		all, err := h.reg.All()
		if err != nil {
			return transport.Close(transport.ReasonError)
		}
		reply, err := h.message(all, UpdateRecords.String())
		if err != nil {
			return transport.Close(transport.ReasonError)
		}
		return transport.Reply(reply)
	}
	return transport.Close(ReasonRecordsUpdated)
}

func (h *Hive) updateResources(ctx context.Context, msg wire.Message) transport.Outcome {
	section, ok := msg.TagValue(SectionPrefix)
	if !ok || section == "" {
		return transport.Close("no section given")
	}
	var entries map[string]kv.Entry
	if err := msg.Decode(&entries); err != nil {
		return transport.Close(fmt.Sprintf("invalid resources: %v", err))
	}
	accepted, err := h.store.Merge(section, entries)
	if err != nil {
		h.log.Error("merge resources", zap.String("section", section), zap.Error(err))
		return transport.Close(transport.ReasonError)
	}
	if len(accepted) > 0 && h.isOvermind() {
		if err := h.broadcast(ctx, accepted, UpdateResources.String(), sectionTag(section)); err != nil {
			h.log.Warn("relay resources", zap.String("section", section), zap.Error(err))
		}
	}
	return transport.Close(ReasonResourcesUpdated)
}

func (h *Hive) shareResources(ctx context.Context, msg wire.Message) transport.Outcome {
	h.sendSections(ctx, msg.SenderID)
	return transport.Close(transport.ReasonSuccess)
}

func (h *Hive) ping(_ context.Context, msg wire.Message) transport.Outcome {
	text, ok := msg.Text()
	if !ok || text == "" {
		text = "PING from " + msg.SenderID
	}
	h.notifier.Notify(msg.SenderID, text)
	return transport.Close(transport.ReasonSuccess)
}

func (h *Hive) displayMessage(_ context.Context, msg wire.Message) transport.Outcome {
	text, ok := msg.Text()
	if !ok {
		text = string(msg.Data)
	}
	h.notifier.Notify(msg.SenderID, text)
	return transport.Close(transport.ReasonSuccess)
}

func (h *Hive) assumeOvermind(ctx context.Context, _ wire.Message) transport.Outcome {
	h.log.Info("assuming overmind")
	if err := h.Designate(ctx, h.self()); err != nil {
		h.log.Warn("announce overmind", zap.Error(err))
	}
	return transport.Close(transport.ReasonSuccess)
}

// checkVersion compares versions with the sender. The newer side offers its
// version back; the older side asks to be sent an update.
func (h *Hive) checkVersion(ctx context.Context, msg wire.Message) transport.Outcome {
	if h.updating.Load() {
		return transport.Close(ReasonUpdateInProgress)
	}
	theirs, ok, err := peerVersion(msg)
	if !ok {
		return transport.Close(transport.ReasonFinished)
	}
	if err != nil {
		return transport.Close(fmt.Sprintf("invalid version: %v", err))
	}
	mine := versionInfo{Version: h.version.String()}

	switch h.version.Compare(*theirs) {
	case 1:
		if err := h.send(ctx, msg.SenderID, mine, CheckVersion.String()); err != nil {
			h.log.Warn("offer version", zap.String("peer", msg.SenderID), zap.Error(err))
		}
	case -1:
		if !h.updating.CompareAndSwap(false, true) {
			return transport.Close(ReasonUpdateInProgress)
		}
		h.log.Info("requesting update", zap.String("peer", msg.SenderID), zap.Stringer("version", theirs))
		req, err := h.message(mine, SendUpdate.String())
		if err != nil {
			h.updating.Store(false)
			return transport.Close(transport.ReasonError)
		}
		peer := msg.SenderID
		h.queue.Enqueue(func(ctx context.Context) { h.requestUpdate(ctx, peer, req) })
	}
	return transport.Close(transport.ReasonFinished)
}

// requestUpdate asks peer for its source tree. The updating flag is cleared
// when the peer refuses, or when no restart follows within updateWait.
func (h *Hive) requestUpdate(ctx context.Context, peer string, req wire.Message) {
	c, err := h.net.Request(ctx, peer, req)
	if err != nil || c.Reason != transport.ReasonSuccess {
		h.updating.Store(false)
		h.log.Warn("update refused", zap.String("peer", peer), zap.String("reason", c.Reason), zap.Error(err))
		return
	}
	time.AfterFunc(h.updateWait, func() {
		if !h.restart.Load() && h.updating.CompareAndSwap(true, false) {
			h.log.Warn("update never completed", zap.String("peer", peer), zap.Duration("waited", h.updateWait))
		}
	})
}

// sendUpdate ships this node's source tree to an older requester and tells
// it to restart. The transfer runs on the task queue so the request session
// is not held open for its duration.
func (h *Hive) sendUpdate(_ context.Context, msg wire.Message) transport.Outcome {
	theirs, ok, err := peerVersion(msg)
	if !ok || err != nil {
		return transport.Close("requester's version number not included")
	}
	if !theirs.LessThan(h.version) {
		return transport.Close("requester not out of date")
	}
	if h.cfg.SourceDir == "" {
		return transport.Close("no source to send")
	}
	to := msg.SenderID
	h.queue.Enqueue(func(ctx context.Context) {
		files, err := transport.SourceFiles(h.cfg.SourceDir)
		if err != nil {
			h.log.Error("list source files", zap.Error(err))
			return
		}
		if err := h.net.TransferFiles(ctx, to, files); err != nil {
			h.log.Error("update failed", zap.String("peer", to), zap.Error(err))
			return
		}
		if err := h.send(ctx, to, "cerebrate updated", Restart.String()); err != nil {
			h.log.Warn("request restart", zap.String("peer", to), zap.Error(err))
		}
	})
	return transport.Close(transport.ReasonSuccess)
}

func (h *Hive) restartNode(_ context.Context, msg wire.Message) transport.Outcome {
	text, _ := msg.Text()
	h.log.Info("restart requested", zap.String("from", msg.SenderID), zap.String("note", text))
	h.restart.Store(true)
	h.updating.Store(false)
	if h.onRestart != nil {
		go h.onRestart()
	}
	return transport.Close(transport.ReasonSuccess)
}
