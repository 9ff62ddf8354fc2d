package selftest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/ledbrain/internal/handoff"
)

func TestIndexSweep(t *testing.T) {
	r := NewRunner(Plan{Kind: IndexSweep, Count: 3})
	rgb := make([]byte, 9)

	for i := 0; i < 3; i++ {
		require.True(t, r.Step(rgb))
		for p := 0; p < 3; p++ {
			want := byte(0)
			if p == i {
				want = 255
			}
			assert.Equal(t, []byte{want, want, want}, rgb[p*3:p*3+3], "step %d pixel %d", i, p)
		}
	}
	assert.False(t, r.Step(rgb))
	assert.Equal(t, make([]byte, 9), rgb)
}

func TestRGBChannels(t *testing.T) {
	r := NewRunner(Plan{Kind: RGBTest, Count: 2, Cycles: 2})
	rgb := make([]byte, 6)
	want := [][]byte{
		{255, 0, 0, 255, 0, 0},
		{0, 255, 0, 0, 255, 0},
		{0, 0, 255, 0, 0, 255},
	}
	for i := 0; i < 6; i++ {
		require.True(t, r.Step(rgb))
		assert.Equal(t, want[i%3], rgb)
	}
	assert.False(t, r.Step(rgb))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("rgb_channels")
	require.NoError(t, err)
	assert.Equal(t, RGBTest, k)

	_, err = ParseKind("plane_z")
	assert.Error(t, err)
}

func TestRunPublishesEveryStep(t *testing.T) {
	mb := handoff.New()
	r := NewRunner(Plan{Kind: IndexSweep, Count: 4})
	require.NoError(t, r.Run(context.Background(), mb, time.Millisecond))

	st := mb.Stats()
	assert.Equal(t, uint64(4), st.Published)
	f, ok := mb.TakeLatest()
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 255, 255, 255}, f.Pixels)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(Plan{Kind: RGBTest, Count: 1, Cycles: 100})
	assert.ErrorIs(t, r.Run(ctx, handoff.New(), time.Hour), context.Canceled)
}
