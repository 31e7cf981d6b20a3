package kv

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryandielhenn/cerebrate/pkg/clock"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "resources.db"), clock.Func(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestSetGet(t *testing.T) {
	s := newStore(t)

	data := map[string]json.RawMessage{
		"a": raw(`"alpha"`),
		"b": raw(`42`),
		"c": raw(`{"y": 2, "x": 1}`),
	}
	stamped, err := s.Set("devices", data)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(stamped) != len(data) {
		t.Fatalf("Set returned %d entries, want %d", len(stamped), len(data))
	}
	if got := s.Len(); got != len(data) {
		t.Fatalf("Len = %d, want %d", got, len(data))
	}

	e, ok, err := s.Get("devices", "c")
	if err != nil || !ok {
		t.Fatalf("Get(c) = %v,%v", ok, err)
	}
	if string(e.Value) != `{"x":1,"y":2}` {
		t.Fatalf("Get(c) value = %s", e.Value)
	}
	if !e.Modified.Equal(base) {
		t.Fatalf("Get(c) modified = %v, want %v", e.Modified, base)
	}

	if _, ok, _ := s.Get("devices", "missing"); ok {
		t.Fatalf("Get(missing) ok")
	}
	if _, ok, _ := s.Get("other", "a"); ok {
		t.Fatalf("sections must not share keys")
	}
}

func TestSetRejectsBadInput(t *testing.T) {
	s := newStore(t)
	if _, err := s.Set("", map[string]json.RawMessage{"a": raw(`1`)}); err != ErrEmptySection {
		t.Fatalf("empty section err = %v", err)
	}
	if _, err := s.Set("x", map[string]json.RawMessage{"a": raw(`{nope`)}); err == nil {
		t.Fatalf("invalid JSON accepted")
	}
}

func TestMergeTimestampRule(t *testing.T) {
	s := newStore(t)
	t1 := base
	t2 := base.Add(time.Second)

	if _, err := s.Merge("sec", map[string]Entry{"k": {Value: raw(`"v1"`), Modified: t2}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// older is dropped
	acc, err := s.Merge("sec", map[string]Entry{"k": {Value: raw(`"old"`), Modified: t1}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(acc) != 0 {
		t.Fatalf("stale write accepted: %v", acc)
	}

	// equal timestamp with a different value wins
	acc, _ = s.Merge("sec", map[string]Entry{"k": {Value: raw(`"v2"`), Modified: t2}})
	if _, ok := acc["k"]; !ok {
		t.Fatalf("equal-timestamp write not accepted")
	}
	e, _, _ := s.Get("sec", "k")
	if string(e.Value) != `"v2"` {
		t.Fatalf("value = %s, want \"v2\"", e.Value)
	}

	// same delivery twice changes nothing
	acc, _ = s.Merge("sec", map[string]Entry{"k": {Value: raw(`"v2"`), Modified: t2}})
	if len(acc) != 0 {
		t.Fatalf("duplicate delivery reported as accepted: %v", acc)
	}
}

func TestMergeNewKeyAlwaysAccepted(t *testing.T) {
	s := newStore(t)
	acc, err := s.Merge("sec", map[string]Entry{"fresh": {Value: raw(`true`)}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := acc["fresh"]; !ok {
		t.Fatalf("new key with zero timestamp not accepted")
	}
}

func TestMergeAggregatesFieldByField(t *testing.T) {
	s := newStore(t)
	if _, err := s.Merge("sec", map[string]Entry{"cfg": {Value: raw(`{"a":1,"b":2}`), Modified: base}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	acc, err := s.Merge("sec", map[string]Entry{"cfg": {Value: raw(`{"b":3,"c":4}`), Modified: base.Add(time.Minute)}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := `{"a":1,"b":3,"c":4}`
	if got := string(acc["cfg"].Value); got != want {
		t.Fatalf("accepted = %s, want %s", got, want)
	}
	e, _, _ := s.Get("sec", "cfg")
	if string(e.Value) != want {
		t.Fatalf("stored = %s, want %s", e.Value, want)
	}

	// scalar replaces aggregate
	_, _ = s.Merge("sec", map[string]Entry{"cfg": {Value: raw(`"flat"`), Modified: base.Add(2 * time.Minute)}})
	e, _, _ = s.Get("sec", "cfg")
	if string(e.Value) != `"flat"` {
		t.Fatalf("stored = %s, want \"flat\"", e.Value)
	}
}

func TestSectionsAndSection(t *testing.T) {
	s := newStore(t)
	_, _ = s.Set("b", map[string]json.RawMessage{"x": raw(`1`)})
	_, _ = s.Set("a", map[string]json.RawMessage{"y": raw(`2`), "z": raw(`3`)})

	names, err := s.Sections()
	if err != nil {
		t.Fatalf("Sections: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Sections = %v", names)
	}

	sec, err := s.Section("a")
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	if len(sec) != 2 {
		t.Fatalf("Section(a) has %d entries, want 2", len(sec))
	}
	empty, err := s.Section("nope")
	if err != nil || len(empty) != 0 {
		t.Fatalf("Section(nope) = %v, %v", empty, err)
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	s := newStore(t)

	var wg sync.WaitGroup
	const G = 8
	const N = 50

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			section := fmt.Sprintf("s-%d", gid%3)
			for i := range N {
				if stop.Load() {
					return
				}
				k := fmt.Sprintf("k-%d-%d", gid, i)
				v := json.RawMessage(fmt.Sprintf(`"v-%d"`, i))

				if _, err := s.Set(section, map[string]json.RawMessage{k: v}); err != nil {
					errCh <- err
					stop.Store(true)
					return
				}
				got, ok, err := s.Get(section, k)
				if err != nil || !ok {
					errCh <- fmt.Errorf("missing key=%s right after Set: %v", k, err)
					stop.Store(true)
					return
				}
				if string(got.Value) != string(v) {
					errCh <- fmt.Errorf("mismatch for key=%s", k)
					stop.Store(true)
					return
				}
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}
	if got := s.Len(); got != G*N {
		t.Fatalf("Len = %d, want %d", got, G*N)
	}
}
