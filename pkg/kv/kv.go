// Package kv is the durable resource store: timestamped JSON values grouped
// into named sections and replicated between nodes.
package kv

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ryandielhenn/cerebrate/internal/sqlitedb"
	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/clock"
)

var (
	ErrEmptySection = errors.New("kv: empty section name")
	ErrEmptyKey     = errors.New("kv: empty key")
	ErrInvalidValue = errors.New("kv: value is not valid JSON")
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	section TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	modified TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (section, key)
)`

// Entry is one stored resource value and the time it was last written.
type Entry struct {
	Value    json.RawMessage `json:"value"`
	Modified time.Time       `json:"modified"`
}

// Store is the durable sectioned resource store.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	clock clock.Clock
}

func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	if clk == nil {
		clk = clock.System
	}
	return &Store{db: db, clock: clk}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Set stamps values with the current time and writes them, overwriting any
// existing keys. It returns the stamped entries.
func (s *Store) Set(section string, values map[string]json.RawMessage) (map[string]Entry, error) {
	if section == "" {
		return nil, ErrEmptySection
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(values))
	for key, raw := range values {
		val, err := compact(key, raw)
		if err != nil {
			return out, err
		}
		e := Entry{Value: val, Modified: now}
		if err := s.put(section, key, e); err != nil {
			return out, err
		}
		out[key] = e
	}
	return out, nil
}

// Merge applies remote entries for section. An entry is taken when the key is
// new or its timestamp is not older than the stored one. When both the stored
// and incoming values are JSON objects their fields are merged, incoming
// fields winning. The returned map holds only entries that changed the store.
func (s *Store) Merge(section string, incoming map[string]Entry) (map[string]Entry, error) {
	if section == "" {
		return nil, ErrEmptySection
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := make(map[string]Entry)
	for key, in := range incoming {
		val, err := compact(key, in.Value)
		if err != nil {
			return accepted, err
		}
		in.Value = val

		stored, exists, err := s.get(section, key)
		if err != nil {
			return accepted, err
		}
		if exists {
			if in.Modified.Before(stored.Modified) {
				telemetry.MergesTotal.WithLabelValues("resource", "stale").Inc()
				continue
			}
			in.Value = mergeValues(stored.Value, in.Value)
			if in.Modified.Equal(stored.Modified) && bytes.Equal(in.Value, stored.Value) {
				telemetry.MergesTotal.WithLabelValues("resource", "stale").Inc()
				continue
			}
		}
		if err := s.put(section, key, in); err != nil {
			return accepted, err
		}
		telemetry.MergesTotal.WithLabelValues("resource", "accepted").Inc()
		accepted[key] = in
	}
	return accepted, nil
}

func (s *Store) Get(section, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(section, key)
}

// Section returns every entry of section. An unknown section is empty.
func (s *Store) Section(section string) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key, value, modified FROM resources WHERE section = ? ORDER BY key`, section)
	if err != nil {
		return nil, fmt.Errorf("kv: list section %q: %w", section, err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var (
			key, mod string
			val      []byte
		)
		if err := rows.Scan(&key, &val, &mod); err != nil {
			return nil, fmt.Errorf("kv: scan resource row: %w", err)
		}
		t, err := sqlitedb.ParseTime(mod)
		if err != nil {
			return nil, fmt.Errorf("kv: resource %s/%s: %w", section, key, err)
		}
		out[key] = Entry{Value: json.RawMessage(val), Modified: t}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: iterate section %q: %w", section, err)
	}
	return out, nil
}

// Sections lists every section holding at least one entry.
func (s *Store) Sections() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT DISTINCT section FROM resources ORDER BY section`)
	if err != nil {
		return nil, fmt.Errorf("kv: list sections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("kv: scan section: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Len is the total number of entries across sections.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM resources`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *Store) get(section, key string) (Entry, bool, error) {
	var (
		val []byte
		mod string
	)
	err := s.db.QueryRow(`SELECT value, modified FROM resources WHERE section = ? AND key = ?`, section, key).Scan(&val, &mod)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("kv: query %s/%s: %w", section, key, err)
	}
	t, err := sqlitedb.ParseTime(mod)
	if err != nil {
		return Entry{}, false, fmt.Errorf("kv: resource %s/%s: %w", section, key, err)
	}
	return Entry{Value: json.RawMessage(val), Modified: t}, true, nil
}

func (s *Store) put(section, key string, e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO resources (section, key, value, modified) VALUES (?, ?, ?, ?)
		 ON CONFLICT(section, key) DO UPDATE SET
		 value = excluded.value,
		 modified = excluded.modified`,
		section, key, []byte(e.Value), sqlitedb.FormatTime(e.Modified),
	)
	if err != nil {
		return fmt.Errorf("kv: save %s/%s: %w", section, key, err)
	}
	return nil
}

func compact(key string, raw json.RawMessage) (json.RawMessage, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: key %q", ErrInvalidValue, key)
	}
	if !isObject(buf.Bytes()) {
		return buf.Bytes(), nil
	}
	// objects are stored with sorted fields so merged and unmerged copies compare equal
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		return nil, fmt.Errorf("%w: key %q", ErrInvalidValue, key)
	}
	return json.Marshal(fields)
}

// mergeValues overlays incoming onto stored when both are JSON objects and
// returns incoming unchanged otherwise.
func mergeValues(stored, incoming json.RawMessage) json.RawMessage {
	if !isObject(stored) || !isObject(incoming) {
		return incoming
	}
	var base, over map[string]json.RawMessage
	if json.Unmarshal(stored, &base) != nil || json.Unmarshal(incoming, &over) != nil {
		return incoming
	}
	for k, v := range over {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return incoming
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{")
}
