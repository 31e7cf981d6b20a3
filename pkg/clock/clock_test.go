package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetAppliesMeasuredOffset(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOffset("pool.example")
	o.base = Func(func() time.Time { return base })
	o.Query = func(server string) (time.Duration, error) {
		assert.Equal(t, "pool.example", server)
		return 250 * time.Millisecond, nil
	}

	assert.Equal(t, base, o.Now())
	require.NoError(t, o.Sync())
	assert.Equal(t, base.Add(250*time.Millisecond), o.Now())
	assert.Equal(t, 250*time.Millisecond, o.Current())
}

func TestOffsetKeepsPreviousOnError(t *testing.T) {
	o := NewOffset("pool.example")
	o.Query = func(string) (time.Duration, error) { return time.Second, nil }
	require.NoError(t, o.Sync())

	o.Query = func(string) (time.Duration, error) { return 0, errors.New("unreachable") }
	require.Error(t, o.Sync())
	assert.Equal(t, time.Second, o.Current())
}
