package registry

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/cerebrate/pkg/clock"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T, self string) *Registry {
	t.Helper()
	now := t0
	r, err := Open(filepath.Join(t.TempDir(), "peers.db"), self, clock.Func(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func overminds(t *testing.T, r *Registry) []string {
	t.Helper()
	recs, err := r.Filter(func(p PeerRecord) bool { return p.Role == RoleOvermind })
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, p := range recs {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestOpenRequiresSelf(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "peers.db"), " ", nil)
	require.ErrorIs(t, err, ErrMissingID)
}

func TestMergeKeepsLaterTimestamp(t *testing.T) {
	r := openTest(t, "self")

	older := PeerRecord{ID: "b", Name: "old", Status: StatusAsleep, LastContact: t0}
	newer := PeerRecord{ID: "b", Name: "new", Status: StatusAwake, LastContact: t0.Add(time.Second)}

	acc, err := r.Merge(newer)
	require.NoError(t, err)
	require.Len(t, acc, 1)

	acc, err = r.Merge(older)
	require.NoError(t, err)
	assert.Empty(t, acc)

	got, ok, err := r.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, StatusAwake, got.Status)
	assert.True(t, got.LastContact.Equal(newer.LastContact))
}

func TestMergeEqualTimestampKeepsExisting(t *testing.T) {
	r := openTest(t, "self")

	_, err := r.Merge(PeerRecord{ID: "b", Name: "first", LastContact: t0})
	require.NoError(t, err)

	acc, err := r.Merge(PeerRecord{ID: "b", Name: "second", LastContact: t0})
	require.NoError(t, err)
	assert.Empty(t, acc)

	got, _, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestMergeDuplicateDeliveryIsNoop(t *testing.T) {
	r := openTest(t, "self")
	rec := PeerRecord{ID: "b", Address: "10.0.0.2:8888", LastContact: t0}

	acc, err := r.Merge(rec, rec)
	require.NoError(t, err)
	assert.Len(t, acc, 1)

	acc, err = r.Merge(rec)
	require.NoError(t, err)
	assert.Empty(t, acc)
}

func TestMergeRejectsMissingID(t *testing.T) {
	r := openTest(t, "self")
	_, err := r.Merge(PeerRecord{LastContact: t0})
	require.ErrorIs(t, err, ErrMissingID)
}

func TestMergeNeverCreatesSecondOvermind(t *testing.T) {
	r := openTest(t, "self")
	changed, err := r.Designate("a")
	require.NoError(t, err)
	require.True(t, changed)

	acc, err := r.Merge(PeerRecord{ID: "b", Role: RoleOvermind, LastContact: t0})
	require.NoError(t, err)
	require.Len(t, acc, 1)
	assert.Equal(t, RoleQueen, acc[0].Role)
	assert.Equal(t, []string{"a"}, overminds(t, r))
}

func TestMergeDoesNotChangeOwnRole(t *testing.T) {
	r := openTest(t, "self")
	_, err := r.EnsureSelf("me", "lab", "10.0.0.1:8888", "10.0.0.1:9999")
	require.NoError(t, err)
	_, err = r.Designate("self")
	require.NoError(t, err)

	acc, err := r.Merge(PeerRecord{ID: "self", Role: RoleDrone, Status: StatusAsleep, LastContact: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, acc, 1)

	got, _, err := r.Get("self")
	require.NoError(t, err)
	assert.Equal(t, RoleOvermind, got.Role)
	assert.Equal(t, StatusAsleep, got.Status)
}

func TestDesignateIsIdempotent(t *testing.T) {
	r := openTest(t, "self")
	_, err := r.Designate("a")
	require.NoError(t, err)

	changed, err := r.Designate("b")
	require.NoError(t, err)
	assert.True(t, changed)

	before, err := r.All()
	require.NoError(t, err)

	changed, err = r.Designate("b")
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := r.All()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	a, _, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, RoleQueen, a.Role)
	assert.Equal(t, []string{"b"}, overminds(t, r))
}

func TestOvermindFallsBackToSelf(t *testing.T) {
	r := openTest(t, "self")

	id, err := r.OvermindID()
	require.NoError(t, err)
	assert.Equal(t, "self", id)

	_, ok, err := r.Overmind()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Designate("other")
	require.NoError(t, err)
	rec, ok, err := r.Overmind()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "other", rec.ID)

	is, err := r.IsOvermind()
	require.NoError(t, err)
	assert.False(t, is)
}

func TestAtMostOneOvermindUnderConcurrency(t *testing.T) {
	r := openTest(t, "self")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Designate(string(rune('a' + i%5)))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Merge(PeerRecord{
				ID:          string(rune('k' + i%5)),
				Role:        RoleOvermind,
				LastContact: t0.Add(time.Duration(i) * time.Second),
			})
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(overminds(t, r)), 1)
}

func TestStatusHelpers(t *testing.T) {
	r := openTest(t, "self")
	_, err := r.EnsureSelf("me", "", "10.0.0.1:8888", "10.0.0.1:9999")
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.MadeContact(id, "10.0.0.9:8888", ""))
	}

	awake, err := r.IDsWithStatus(StatusAwake)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "self"}, awake)

	require.NoError(t, r.SetStatusExcept(StatusAsleep, "self"))
	awake, err = r.IDsWithStatus(StatusAwake)
	require.NoError(t, err)
	assert.Equal(t, []string{"self"}, awake)

	require.NoError(t, r.TimedOut("b"))
	b, _, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, b.Status)
	assert.Equal(t, "10.0.0.9:8888", b.Address)
	assert.True(t, b.LastContact.IsZero())

	require.NoError(t, r.Touch("b"))
	b, _, err = r.Get("b")
	require.NoError(t, err)
	assert.True(t, b.LastContact.Equal(t0))
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	r, err := Open(path, "self", nil)
	require.NoError(t, err)
	_, err = r.Merge(PeerRecord{ID: "b", Name: "bee", Location: "attic", Role: RoleQueen, Status: StatusAsleep, LastContact: t0})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(path, "self", nil)
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PeerRecord{ID: "b", Name: "bee", Location: "attic", Role: RoleQueen, Status: StatusAsleep, LastContact: t0}, got)
}

func TestRoleAndStatusText(t *testing.T) {
	var role Role
	require.NoError(t, role.UnmarshalText([]byte("Overmind")))
	assert.Equal(t, RoleOvermind, role)
	require.Error(t, role.UnmarshalText([]byte("king")))

	var st Status
	require.NoError(t, st.UnmarshalText([]byte("asleep")))
	assert.Equal(t, "asleep", st.String())
}
