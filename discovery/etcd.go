// Package discovery seeds peer addresses from etcd. Each node registers its
// addresses under a lease so the key vanishes when the node stops renewing.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Peer is the value stored under a node's key.
type Peer struct {
	Address string `json:"address"`
	Control string `json:"control,omitempty"`
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Key is the etcd key for id under prefix.
func Key(prefix, id string) string {
	return strings.TrimRight(prefix, "/") + "/" + id
}

// PeerID extracts the node id from a key written by Key.
func PeerID(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, strings.TrimRight(prefix, "/")+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// decodePeer accepts the JSON form and a bare host:port.
func decodePeer(b []byte) Peer {
	var p Peer
	if json.Unmarshal(b, &p) == nil && p.Address != "" {
		return p
	}
	return Peer{Address: strings.TrimSpace(string(b))}
}

// RegisterNode writes id's addresses under a lease of ttl seconds and keeps
// the lease alive until cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix, id string, p Peer, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	val, err := json.Marshal(p)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, Key(prefix, id), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// ListPeers returns every registered node keyed by id.
func ListPeers(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]Peer, int64, error) {
	resp, err := cli.Get(ctx, Key(prefix, ""), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: list peers: %w", err)
	}
	peers := make(map[string]Peer, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := PeerID(prefix, string(kv.Key)); ok {
			peers[id] = decodePeer(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer set on start and after every change
// until ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, fn func(map[string]Peer)) error {
	peers, rev, err := ListPeers(ctx, cli, prefix)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	wch := cli.Watch(ctx, Key(prefix, ""), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("discovery: watch: %w", err)
		}
		if apply(peers, prefix, resp.Events) {
			fn(maps.Clone(peers))
		}
	}
	return ctx.Err()
}

func apply(peers map[string]Peer, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id, ok := PeerID(prefix, string(ev.Kv.Key))
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			peers[id] = decodePeer(ev.Kv.Value)
			changed = true
		case mvccpb.DELETE:
			if _, had := peers[id]; had {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}
