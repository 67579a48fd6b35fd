package peerwire

import (
	"time"

	"github.com/anacrolix/sync"
)

// Period describes a short statistics window as a ring of buckets.
type Period struct {
	BucketCount  int
	BucketLength time.Duration
}

// Duration is the total window length.
func (p Period) Duration() time.Duration {
	return time.Duration(p.BucketCount) * p.BucketLength
}

// TwoSecondPeriod is the window used for per-second transfer rates.
var TwoSecondPeriod = Period{BucketCount: 2, BucketLength: time.Second}

type periodBuckets struct {
	period  Period
	buckets []int64
	// epoch of the bucket currently being filled, in units of
	// period.BucketLength since the zero time.
	epoch int64
}

func (pb *periodBuckets) advance(now time.Time) {
	epoch := now.UnixNano() / int64(pb.period.BucketLength)
	if epoch == pb.epoch {
		return
	}
	skipped := epoch - pb.epoch
	if skipped >= int64(len(pb.buckets)) {
		for i := range pb.buckets {
			pb.buckets[i] = 0
		}
	} else {
		for i := int64(1); i <= skipped; i++ {
			pb.buckets[(pb.epoch+i)%int64(len(pb.buckets))] = 0
		}
	}
	pb.epoch = epoch
}

func (pb *periodBuckets) add(now time.Time, n int64) {
	pb.advance(now)
	pb.buckets[pb.epoch%int64(len(pb.buckets))] += n
}

func (pb *periodBuckets) total(now time.Time) (sum int64) {
	pb.advance(now)
	for _, b := range pb.buckets {
		sum += b
	}
	return sum
}

// StatisticCounter accumulates a cumulative byte total alongside
// short-window totals for each registered period. Counters link into a
// hierarchy: every Add also credits the parent, so torrent-wide
// aggregates track their peers without a separate pass.
type StatisticCounter struct {
	mu      sync.Mutex
	parent  *StatisticCounter
	total   int64
	periods map[Period]*periodBuckets
	now     func() time.Time
}

// NewStatisticCounter returns an empty counter.
func NewStatisticCounter() *StatisticCounter {
	return &StatisticCounter{now: time.Now}
}

// SetParent links this counter under parent; subsequent adds propagate.
func (sc *StatisticCounter) SetParent(parent *StatisticCounter) {
	sc.mu.Lock()
	sc.parent = parent
	sc.mu.Unlock()
}

// AddCountedPeriod registers a short window the counter keeps totals
// for.
func (sc *StatisticCounter) AddCountedPeriod(p Period) {
	sc.mu.Lock()
	if sc.periods == nil {
		sc.periods = make(map[Period]*periodBuckets)
	}
	if _, ok := sc.periods[p]; !ok {
		sc.periods[p] = &periodBuckets{period: p, buckets: make([]int64, p.BucketCount)}
	}
	sc.mu.Unlock()
}

// Add credits n to the cumulative total, every registered period, and
// the parent chain.
func (sc *StatisticCounter) Add(n int64) {
	sc.mu.Lock()
	sc.total += n
	ts := sc.now()
	for _, pb := range sc.periods {
		pb.add(ts, n)
	}
	parent := sc.parent
	sc.mu.Unlock()

	if parent != nil {
		parent.Add(n)
	}
}

// Total is the cumulative count.
func (sc *StatisticCounter) Total() int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.total
}

// PeriodTotal is the count within the given registered window. An
// unregistered period reports zero.
func (sc *StatisticCounter) PeriodTotal(p Period) int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	pb, ok := sc.periods[p]
	if !ok {
		return 0
	}
	return pb.total(sc.now())
}
