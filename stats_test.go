package peerwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatisticCounterTotals(t *testing.T) {
	sc := NewStatisticCounter()
	sc.Add(100)
	sc.Add(50)
	require.Equal(t, int64(150), sc.Total())
}

func TestStatisticCounterParentAggregation(t *testing.T) {
	root := NewStatisticCounter()
	mid := NewStatisticCounter()
	leaf := NewStatisticCounter()
	mid.SetParent(root)
	leaf.SetParent(mid)

	leaf.Add(10)
	mid.Add(5)

	require.Equal(t, int64(10), leaf.Total())
	require.Equal(t, int64(15), mid.Total())
	require.Equal(t, int64(15), root.Total())
}

func TestStatisticCounterPeriodWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	sc := NewStatisticCounter()
	sc.now = func() time.Time { return now }
	sc.AddCountedPeriod(TwoSecondPeriod)

	sc.Add(100)
	require.Equal(t, int64(100), sc.PeriodTotal(TwoSecondPeriod))

	// Still inside the two-bucket window.
	now = now.Add(time.Second)
	sc.Add(30)
	require.Equal(t, int64(130), sc.PeriodTotal(TwoSecondPeriod))

	// The first bucket ages out.
	now = now.Add(time.Second)
	require.Equal(t, int64(30), sc.PeriodTotal(TwoSecondPeriod))

	// Everything ages out.
	now = now.Add(5 * time.Second)
	require.Equal(t, int64(0), sc.PeriodTotal(TwoSecondPeriod))

	// The cumulative total never decays.
	require.Equal(t, int64(130), sc.Total())
}

func TestStatisticCounterUnregisteredPeriod(t *testing.T) {
	sc := NewStatisticCounter()
	sc.Add(10)
	require.Equal(t, int64(0), sc.PeriodTotal(TwoSecondPeriod))
}
