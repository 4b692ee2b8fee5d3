package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eta2trips/pkg/types"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func TestQuery_UnknownStop(t *testing.T) {
	c := NewArrivalCache()

	got := c.Query("never-polled")
	require.NotNil(t, got, "unknown stop must yield an empty slice, not nil")
	assert.Empty(t, got)
}

func TestUpdate_Overwrites(t *testing.T) {
	c := NewArrivalCache()

	c.Update("A", "5", t0)
	c.Update("A", "5", t0.Add(time.Minute))

	assert.Equal(t, []types.LineEta{{Line: "5", ETA: t0.Add(time.Minute)}}, c.Query("A"))
}

func TestQuery_MultipleLinesSorted(t *testing.T) {
	c := NewArrivalCache()

	c.Update("A", "7", t0.Add(2*time.Minute))
	c.Update("A", "12", t0.Add(time.Minute))
	c.Update("A", "5", t0)
	c.Update("B", "5", t0.Add(time.Minute))

	assert.Equal(t, []types.LineEta{
		{Line: "12", ETA: t0.Add(time.Minute)},
		{Line: "5", ETA: t0},
		{Line: "7", ETA: t0.Add(2 * time.Minute)},
	}, c.Query("A"))
	assert.Equal(t, 2, c.Stops())
}

func TestQuery_ReturnsCopy(t *testing.T) {
	c := NewArrivalCache()
	c.Update("A", "5", t0)

	got := c.Query("A")
	got[0].Line = "mutated"

	assert.Equal(t, "5", c.Query("A")[0].Line)
}

func TestUpdateLine(t *testing.T) {
	c := NewArrivalCache()

	c.UpdateLine("5", []types.StopEta{
		{StopID: "A", ETA: t0},
		{StopID: "B", ETA: t0.Add(60 * time.Second)},
	})

	assert.Equal(t, []types.LineEta{{Line: "5", ETA: t0}}, c.Query("A"))
	assert.Equal(t, []types.LineEta{{Line: "5", ETA: t0.Add(60 * time.Second)}}, c.Query("B"))
}

// Run with -race to detect data races.
func TestArrivalCache_ConcurrentWritersAndReaders(t *testing.T) {
	c := NewArrivalCache()

	const writers = 8
	const iterations = 200

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(2)
		line := fmt.Sprintf("L%d", w)
		go func() {
			defer wg.Done()
			for i := range iterations {
				stop := types.StopID(fmt.Sprintf("S%d", i%10))
				c.Update(stop, line, t0.Add(time.Duration(i)*time.Second))
			}
		}()
		go func() {
			defer wg.Done()
			for i := range iterations {
				_ = c.Query(types.StopID(fmt.Sprintf("S%d", i%10)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, c.Stops())
	for i := range 10 {
		assert.Len(t, c.Query(types.StopID(fmt.Sprintf("S%d", i))), writers)
	}
}
