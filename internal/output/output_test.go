package output

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/ledbrain/internal/handoff"
	"github.com/coreman2200/ledbrain/internal/led"
)

func newLoop() (*Loop, *led.Sim, *handoff.Mailbox) {
	sim := led.NewSim()
	mb := handoff.New()
	return &Loop{Driver: sim, Frames: mb}, sim, mb
}

func TestNothingWrittenBeforeFirstFrame(t *testing.T) {
	l, sim, _ := newLoop()
	wrote, err := l.Tick()
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 0, sim.Frames())
}

func TestTickWritesLatestAndRepeats(t *testing.T) {
	l, sim, mb := newLoop()
	mb.Publish([]byte{255, 0, 255})

	wrote, err := l.Tick()
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, []byte{255, 0, 255}, sim.Last())

	// No new frame: the previous one is shown again.
	_, err = l.Tick()
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Frames())
	assert.Equal(t, []byte{255, 0, 255}, sim.Last())

	mb.Publish([]byte{0, 255, 0, 255, 255, 255})
	_, err = l.Tick()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 255, 0, 255, 255, 255}, sim.Last())
}

func TestColorOrderApplied(t *testing.T) {
	l, sim, mb := newLoop()
	l.Order = led.GRB
	mb.Publish([]byte{255, 0, 0, 0, 0, 255})

	_, err := l.Tick()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 255, 0, 0, 0, 255}, sim.Last())
}

func TestDitherConvergesOverEightTicks(t *testing.T) {
	l, sim, mb := newLoop()
	const v = 128
	mb.Publish([]byte{v, v, v})
	// 255*(128/255)^2.2 sits just under 56.
	want := int(math.Round(8 * 255 * math.Pow(float64(v)/255, 2.2)))
	require.NotEqual(t, 8*int(led.Correct(v)), want)

	sum := 0
	for i := 0; i < 8; i++ {
		_, err := l.Tick()
		require.NoError(t, err)
		sum += int(sim.Last()[0])
	}
	assert.Equal(t, want, sum)
}

func TestPublishedFrameIsNotModified(t *testing.T) {
	l, _, mb := newLoop()
	l.Order = led.GRB
	l.Limiter = Limiter{WhiteCap: 0.5}
	px := []byte{200, 100, 50}
	mb.Publish(px)

	_, err := l.Tick()
	require.NoError(t, err)
	assert.Equal(t, []byte{200, 100, 50}, px)
}

type failing struct{}

func (failing) Write([]byte) error { return errors.New("bus fault") }
func (failing) Close() error       { return nil }

func TestWriteErrorReturned(t *testing.T) {
	mb := handoff.New()
	l := &Loop{Driver: failing{}, Frames: mb}
	mb.Publish([]byte{1, 2, 3})
	wrote, err := l.Tick()
	assert.True(t, wrote)
	assert.EqualError(t, err, "bus fault")
}

func TestRunStopsOnCancel(t *testing.T) {
	l, sim, mb := newLoop()
	l.FPS = 200
	mb.Publish([]byte{255, 255, 255})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sim.Frames() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestWhiteCap(t *testing.T) {
	rgb := []byte{255, 255, 255, 10, 20, 30}
	assert.True(t, Limiter{WhiteCap: 0.5}.Apply(rgb))
	assert.Equal(t, []byte{128, 128, 128, 10, 20, 30}, rgb)

	rgb = []byte{255, 255, 255}
	assert.False(t, Limiter{WhiteCap: 1}.Apply(rgb))
	assert.Equal(t, []byte{255, 255, 255}, rgb)
}

func fullWhite(n int) []byte {
	b := make([]byte, n*3)
	for i := range b {
		b[i] = 255
	}
	return b
}

func TestBudget(t *testing.T) {
	// 10 white pixels at 20mA per channel draw 600mA.
	assert.InDelta(t, 600.0, EstimateCurrentMA(fullWhite(10), 20), 1e-9)

	rgb := fullWhite(10)
	assert.False(t, Limiter{BudgetMA: 1000}.Apply(rgb), "under the knee")
	assert.Equal(t, byte(255), rgb[0])

	rgb = fullWhite(10)
	assert.True(t, Limiter{BudgetMA: 300}.Apply(rgb))
	assert.Equal(t, byte(127), rgb[0])
	assert.LessOrEqual(t, EstimateCurrentMA(rgb, 20), 300.0)

	// Between knee and budget the scale is gentle.
	rgb = fullWhite(10)
	assert.True(t, Limiter{BudgetMA: 650}.Apply(rgb))
	assert.Less(t, rgb[0], byte(255))
	assert.Greater(t, rgb[0], byte(240))
}
