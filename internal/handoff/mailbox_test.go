package handoff

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeEmpty(t *testing.T) {
	m := New()
	_, ok := m.TakeLatest()
	assert.False(t, ok)
}

func TestCoalescing(t *testing.T) {
	m := New()
	var drops int
	m.OnDrop(func() { drops++ })

	m.Publish([]byte{1})
	m.Publish([]byte{2})

	f, ok := m.TakeLatest()
	require.True(t, ok)
	assert.Equal(t, []byte{2}, f.Pixels)
	assert.EqualValues(t, 2, f.Seq)

	_, ok = m.TakeLatest()
	assert.False(t, ok, "F1 is never observable")

	assert.Equal(t, 1, drops)
	assert.Equal(t, Stats{Published: 2, Taken: 1, Dropped: 1}, m.Stats())
}

func TestPublishNonBlocking(t *testing.T) {
	m := New()
	start := time.Now()
	for i := 0; i < 1000; i++ {
		m.Publish([]byte{byte(i)})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 999, m.Stats().Dropped)
}

func TestConcurrentPublishTake(t *testing.T) {
	m := New()
	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			m.Publish([]byte{byte(i), byte(i), byte(i)})
		}
	}()

	var last uint64
	deadline := time.After(2 * time.Second)
	for last < n {
		select {
		case <-deadline:
			t.Fatalf("never observed final frame, last seq %d", last)
		default:
		}
		if f, ok := m.TakeLatest(); ok {
			require.Greater(t, f.Seq, last, "frames never go backwards")
			require.Equal(t, f.Pixels[0], f.Pixels[2], "frames are never torn")
			last = f.Seq
		}
	}
	wg.Wait()

	s := m.Stats()
	assert.Equal(t, s.Published, s.Taken+s.Dropped)
}
