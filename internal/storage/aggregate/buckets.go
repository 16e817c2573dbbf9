package aggregate

import (
	"sort"
	"time"

	"github.com/xtxerr/cistern/internal/storage/types"
)

// Bucket holds the statistics of the samples whose timestamps fall in
// [Start, End).
type Bucket struct {
	Start int64 // Unix milliseconds
	End   int64 // Unix milliseconds
	Stats types.Stats
}

// StartTime returns the bucket start as a time.Time.
func (b *Bucket) StartTime() time.Time {
	return time.UnixMilli(b.Start)
}

// Bucketize groups samples into fixed-size time buckets by timestamp and
// aggregates the selected field per bucket. Buckets are returned oldest
// first; empty buckets are omitted.
func Bucketize[T types.Sample](samples []T, sel types.FieldSelector[T], size time.Duration, accuracy float64) []Bucket {
	if len(samples) == 0 || size <= 0 {
		return nil
	}

	sizeMs := size.Milliseconds()
	if sizeMs <= 0 {
		sizeMs = 1
	}

	aggs := make(map[int64]*Aggregate)
	for _, s := range samples {
		start := bucketStart(s.Timestamp(), sizeMs)
		agg, ok := aggs[start]
		if !ok {
			agg = New(accuracy)
			aggs[start] = agg
		}
		agg.Add(sel(s), s.Timestamp())
	}

	buckets := make([]Bucket, 0, len(aggs))
	for start, agg := range aggs {
		buckets = append(buckets, Bucket{
			Start: start,
			End:   start + sizeMs,
			Stats: agg.Result(),
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })

	return buckets
}

// bucketStart floors ts to a multiple of sizeMs, also for negative ts.
func bucketStart(ts, sizeMs int64) int64 {
	start := ts - ts%sizeMs
	if ts < 0 && ts%sizeMs != 0 {
		start -= sizeMs
	}
	return start
}
