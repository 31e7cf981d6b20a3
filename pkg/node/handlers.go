package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
)

const maxBody = 1 << 20

// Routes is the admin HTTP surface.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /peers", telemetry.Instrument("peers", http.HandlerFunc(n.Peers)))
	mux.Handle("GET /peers/{id}", telemetry.Instrument("peer", http.HandlerFunc(n.PeerByID)))
	mux.Handle("GET /resources", telemetry.Instrument("sections", http.HandlerFunc(n.ListSections)))
	mux.Handle("GET /resources/{section}", telemetry.Instrument("get", http.HandlerFunc(n.GetResources)))
	mux.Handle("PUT /resources/{section}", telemetry.Instrument("put", http.HandlerFunc(n.PutResources)))
	mux.Handle("POST /resources/{section}", telemetry.Instrument("post", http.HandlerFunc(n.PutResources)))
	return mux
}

// Healthz returns 200 OK while the node is not terminating.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.lc.IsTerminating() {
		http.Error(w, "terminating", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, identity, lifecycle state and store sizes.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID       int       `json:"pid"`
		ID        string    `json:"id"`
		Address   string    `json:"address"`
		Control   string    `json:"control"`
		Version   string    `json:"version"`
		State     string    `json:"state"`
		Overmind  string    `json:"overmind"`
		Now       time.Time `json:"now"`
		Resources int       `json:"resources"`
	}
	overmind, _ := n.reg.OvermindID()
	id := n.Identity()
	writeJSON(w, http.StatusOK, resp{
		PID:       os.Getpid(),
		ID:        n.id,
		Address:   id.Address,
		Control:   id.Control,
		Version:   n.hive.Version(),
		State:     n.lc.Current().String(),
		Overmind:  overmind,
		Now:       n.clock.Now(),
		Resources: n.kv.Len(),
	})
}

func (n *Node) Peers(w http.ResponseWriter, req *http.Request) {
	recs, err := n.QueryPeers(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (n *Node) PeerByID(w http.ResponseWriter, req *http.Request) {
	rec, err := n.Peer(req.Context(), req.PathValue("id"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.NotFound(w, req)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (n *Node) ListSections(w http.ResponseWriter, req *http.Request) {
	sections, err := n.Sections(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sections == nil {
		sections = []string{}
	}
	writeJSON(w, http.StatusOK, sections)
}

// GetResources returns a section as key -> {value, modified}.
func (n *Node) GetResources(w http.ResponseWriter, req *http.Request) {
	entries, err := n.QueryResources(req.Context(), req.PathValue("section"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// PutResources stores a JSON object of key -> value into a section and
// replicates it.
func (n *Node) PutResources(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(body, &values); err != nil {
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return
	}
	section := req.PathValue("section")
	saved, err := n.SaveResources(req.Context(), section, values)
	if err != nil && saved == nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		n.log.Warn("replicate resources", zap.String("section", section), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, saved)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
