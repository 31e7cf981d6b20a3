package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ryandielhenn/cerebrate/internal/sqlitedb"
	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/clock"
)

var (
	ErrMissingID = errors.New("registry: record has no id")
	ErrNotFound  = errors.New("registry: no such peer")
)

const schema = `
CREATE TABLE IF NOT EXISTS peers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	control TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	role INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	last_contact TEXT NOT NULL DEFAULT ''
)`

const columns = `id, name, address, control, location, role, status, last_contact`

// Registry is the local node's durable set of peer records. Every mutation
// runs under mu so no two read-modify-write sequences interleave.
type Registry struct {
	mu    sync.Mutex
	db    *sql.DB
	self  string
	clock clock.Clock
}

// Open opens the registry database at path. self is the local node identifier.
func Open(path, self string, clk clock.Clock) (*Registry, error) {
	if strings.TrimSpace(self) == "" {
		return nil, ErrMissingID
	}
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if clk == nil {
		clk = clock.System
	}
	return &Registry{db: db, self: self, clock: clk}, nil
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Self returns the local node identifier.
func (r *Registry) Self() string { return r.self }

func (r *Registry) Get(id string) (PeerRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

// All returns every record ordered by identifier.
func (r *Registry) All() ([]PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all()
}

// Filter returns the records for which keep reports true.
func (r *Registry) Filter(keep func(PeerRecord) bool) ([]PeerRecord, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IDsWithStatus lists identifiers currently marked with status.
func (r *Registry) IDsWithStatus(status Status) ([]string, error) {
	recs, err := r.Filter(func(p PeerRecord) bool { return p.Status == status })
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Overmind returns the record currently holding RoleOvermind. When no record
// holds it, the local record is returned with ok false.
func (r *Registry) Overmind() (rec PeerRecord, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.overmindID()
	if err != nil {
		return PeerRecord{}, false, err
	}
	if id != "" {
		rec, _, err = r.get(id)
		return rec, true, err
	}
	rec, _, err = r.get(r.self)
	return rec, false, err
}

// OvermindID is the believed Overmind, falling back to the local node.
func (r *Registry) OvermindID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.overmindID()
	if err != nil || id != "" {
		return id, err
	}
	return r.self, nil
}

// IsOvermind reports whether the local node holds the Overmind role.
func (r *Registry) IsOvermind() (bool, error) {
	id, err := r.OvermindID()
	return id == r.self, err
}

// Merge applies remote records under the timestamp rule and returns the
// subset that was accepted. Stale and duplicate records are dropped silently.
// An accepted record may not create a second Overmind in the local view, and
// the local node's own role is only changed by designation.
func (r *Registry) Merge(recs ...PeerRecord) ([]PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var accepted []PeerRecord
	for _, rec := range recs {
		if strings.TrimSpace(rec.ID) == "" {
			return accepted, ErrMissingID
		}
		stored, exists, err := r.get(rec.ID)
		if err != nil {
			return accepted, err
		}
		if exists && !rec.NewerThan(stored) {
			telemetry.MergesTotal.WithLabelValues("record", "stale").Inc()
			continue
		}
		if rec.ID == r.self {
			rec.Role = stored.Role
		} else if rec.Role == RoleOvermind {
			current, err := r.overmindID()
			if err != nil {
				return accepted, err
			}
			if current != "" && current != rec.ID {
				rec.Role = RoleQueen
			}
		}
		if err := r.put(rec); err != nil {
			return accepted, err
		}
		telemetry.MergesTotal.WithLabelValues("record", "accepted").Inc()
		accepted = append(accepted, rec)
	}
	return accepted, nil
}

// Update applies fn to the record for id, creating it if it does not exist.
func (r *Registry) Update(id string, fn func(*PeerRecord)) (PeerRecord, error) {
	if strings.TrimSpace(id) == "" {
		return PeerRecord{}, ErrMissingID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(id, fn)
}

func (r *Registry) update(id string, fn func(*PeerRecord)) (PeerRecord, error) {
	rec, _, err := r.get(id)
	if err != nil {
		return PeerRecord{}, err
	}
	rec.ID = id
	fn(&rec)
	rec.ID = id
	return rec, r.put(rec)
}

// SetStatus records a local status transition for id.
func (r *Registry) SetStatus(id string, status Status) error {
	_, err := r.Update(id, func(p *PeerRecord) { p.Status = status })
	return err
}

// SetStatusExcept sets status on every known record other than except.
func (r *Registry) SetStatusExcept(status Status, except string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.db.Exec(`UPDATE peers SET status = ? WHERE id <> ?`, int(status), except); err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}
	return nil
}

// SetRole sets the role of id without the designation bookkeeping. Use
// Designate to hand over RoleOvermind.
func (r *Registry) SetRole(id string, role Role) error {
	_, err := r.Update(id, func(p *PeerRecord) { p.Role = role })
	return err
}

// Designate makes id the Overmind in the local view and demotes any previous
// Overmind to Queen. It reports false, changing nothing, when id already holds
// the role.
func (r *Registry) Designate(id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrMissingID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.overmindID()
	if err != nil {
		return false, err
	}
	if current == id {
		return false, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("registry: designate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE peers SET role = ? WHERE role = ?`, int(RoleQueen), int(RoleOvermind)); err != nil {
		return false, fmt.Errorf("registry: demote: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO peers (id, role) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET role = excluded.role`,
		id, int(RoleOvermind),
	); err != nil {
		return false, fmt.Errorf("registry: promote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("registry: designate: %w", err)
	}
	telemetry.DesignationsTotal.Inc()
	return true, nil
}

func (r *Registry) overmindID() (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT id FROM peers WHERE role = ? ORDER BY id LIMIT 1`, int(RoleOvermind)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("registry: query overmind: %w", err)
	}
	return id, nil
}

func (r *Registry) get(id string) (PeerRecord, bool, error) {
	row := r.db.QueryRow(`SELECT `+columns+` FROM peers WHERE id = ?`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PeerRecord{}, false, nil
	}
	if err != nil {
		return PeerRecord{}, false, fmt.Errorf("registry: query peer %q: %w", id, err)
	}
	return rec, true, nil
}

func (r *Registry) all() ([]PeerRecord, error) {
	rows, err := r.db.Query(`SELECT ` + columns + ` FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list peers: %w", err)
	}
	defer rows.Close()

	out := make([]PeerRecord, 0)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan peer row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate peer rows: %w", err)
	}
	return out, nil
}

func (r *Registry) put(rec PeerRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO peers (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 address = excluded.address,
		 control = excluded.control,
		 location = excluded.location,
		 role = excluded.role,
		 status = excluded.status,
		 last_contact = excluded.last_contact`,
		rec.ID, rec.Name, rec.Address, rec.Control, rec.Location,
		int(rec.Role), int(rec.Status), sqlitedb.FormatTime(rec.LastContact),
	)
	if err != nil {
		return fmt.Errorf("registry: save peer %q: %w", rec.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (PeerRecord, error) {
	var (
		rec          PeerRecord
		role, status int
		last         string
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.Control, &rec.Location, &role, &status, &last); err != nil {
		return PeerRecord{}, err
	}
	t, err := sqlitedb.ParseTime(last)
	if err != nil {
		return PeerRecord{}, err
	}
	rec.Role = Role(role)
	rec.Status = Status(status)
	rec.LastContact = t
	return rec, nil
}
