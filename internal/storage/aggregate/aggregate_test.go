package aggregate

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/storage/types"
)

func TestAggregate_Basic(t *testing.T) {
	now := time.Now().UnixMilli()
	agg := New(0)

	if agg.Result().Count != 0 {
		t.Error("new aggregate should be empty")
	}

	agg.Add(10.0, now)
	agg.Add(20.0, now+1000)
	agg.Add(30.0, now+2000)

	if n := agg.Result().Count; n != 3 {
		t.Errorf("expected count=3, got %d", n)
	}

	result := agg.Result()

	if result.Sum != 60.0 {
		t.Errorf("expected sum=60, got %f", result.Sum)
	}
	if result.Min != 10.0 {
		t.Errorf("expected min=10, got %f", result.Min)
	}
	if result.Max != 30.0 {
		t.Errorf("expected max=30, got %f", result.Max)
	}
	if math.Abs(result.Mean-20.0) > 0.001 {
		t.Errorf("expected mean=20, got %f", result.Mean)
	}
	if result.FirstTs != now || result.LastTs != now+2000 {
		t.Errorf("unexpected first/last ts: %d/%d", result.FirstTs, result.LastTs)
	}
	if result.HasPercentiles() {
		t.Error("should not have percentiles")
	}
}

func TestAggregate_EmptyIsZero(t *testing.T) {
	result := New(0.01).Result()
	if result != (types.Stats{}) {
		t.Errorf("expected zero stats, got %+v", result)
	}
}

func TestAggregate_NegativeValues(t *testing.T) {
	agg := New(0)
	agg.Add(-5, 1)
	agg.Add(-1, 2)

	result := agg.Result()
	if result.Min != -5 || result.Max != -1 {
		t.Errorf("expected min=-5 max=-1, got %f/%f", result.Min, result.Max)
	}
}

func TestAggregate_WithPercentiles(t *testing.T) {
	agg := New(0.01)

	for i := 1; i <= 100; i++ {
		agg.Add(float64(i), int64(i))
	}

	result := agg.Result()
	if !result.HasPercentiles() {
		t.Fatal("should have percentiles")
	}

	// 1% relative accuracy
	if math.Abs(*result.P50-50) > 1.5 {
		t.Errorf("expected p50≈50, got %f", *result.P50)
	}
	if math.Abs(*result.P90-90) > 2 {
		t.Errorf("expected p90≈90, got %f", *result.P90)
	}
	if math.Abs(*result.P99-99) > 2 {
		t.Errorf("expected p99≈99, got %f", *result.P99)
	}
}

func TestAggregate_Concurrent(t *testing.T) {
	agg := New(0.01)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Add(float64(i), int64(i))
			}
		}()
	}
	wg.Wait()

	if n := agg.Result().Count; n != 1000 {
		t.Errorf("expected count=1000, got %d", n)
	}
}

func TestOver_OrderIndependent(t *testing.T) {
	sel, _ := types.SelectField[types.AtmosphericCondition](constants.FieldTemperature)

	asc := []types.AtmosphericCondition{{Temperature: 10}, {Temperature: 20}, {Temperature: 30}}
	desc := []types.AtmosphericCondition{{Temperature: 30}, {Temperature: 20}, {Temperature: 10}}

	a := Over(asc, sel, 0)
	b := Over(desc, sel, 0)

	if a.Mean != b.Mean || a.Min != b.Min || a.Max != b.Max {
		t.Errorf("order changed the result: %+v vs %+v", a, b)
	}
	if a.Mean != 20 || a.Max != 30 || a.Min != 10 {
		t.Errorf("unexpected result: %+v", a)
	}
}

func TestBucketize(t *testing.T) {
	sel, _ := types.SelectField[types.WaterLevel](constants.FieldVolume)
	hour := time.Hour.Milliseconds()

	samples := []types.WaterLevel{
		{TimestampMs: 2*hour + 10, Volume: 6},
		{TimestampMs: hour + 5, Volume: 4},
		{TimestampMs: hour + 1, Volume: 2},
		{TimestampMs: 10, Volume: 1},
	}

	buckets := Bucketize(samples, sel, time.Hour, 0)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}

	if buckets[0].Start != 0 || buckets[1].Start != hour || buckets[2].Start != 2*hour {
		t.Errorf("buckets not ordered oldest first: %+v", buckets)
	}
	if buckets[1].Stats.Count != 2 || buckets[1].Stats.Mean != 3 {
		t.Errorf("unexpected middle bucket: %+v", buckets[1].Stats)
	}
	if d := buckets[0].End - buckets[0].Start; d != hour {
		t.Errorf("expected 1h bucket, got %dms", d)
	}
}

func TestBucketize_Empty(t *testing.T) {
	sel, _ := types.SelectField[types.WaterLevel](constants.FieldVolume)
	if got := Bucketize[types.WaterLevel](nil, sel, time.Hour, 0); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestBucketStartNegative(t *testing.T) {
	if got := bucketStart(-1, 1000); got != -1000 {
		t.Errorf("expected -1000, got %d", got)
	}
	if got := bucketStart(-1000, 1000); got != -1000 {
		t.Errorf("expected -1000, got %d", got)
	}
}
