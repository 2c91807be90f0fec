package usage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeries_ZeroFilled(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries(MetricAPICall, from, from.Add(4*time.Hour), time.Hour, map[int64]int64{1: 5, 3: 2})

	points := s.Points()
	require.Len(t, points, 4)
	assert.Equal(t, []int64{0, 5, 0, 2}, []int64{points[0].Total, points[1].Total, points[2].Total, points[3].Total})
	assert.Equal(t, from.Add(2*time.Hour), points[2].Start)
	assert.Equal(t, int64(7), s.Sum())
}

func TestSeries_PartialLastBucket(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries(MetricAPICall, from, from.Add(90*time.Minute), time.Hour, nil)

	assert.Equal(t, 2, s.Len())
}

func TestSeries_IterationIsRestartable(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries(MetricAPICall, from, from.Add(3*time.Hour), time.Hour, map[int64]int64{0: 1})

	count := func() int {
		n := 0
		for range s.All() {
			n++
		}
		return n
	}
	assert.Equal(t, 3, count())
	assert.Equal(t, 3, count())

	// early break stops the iterator
	seen := 0
	for range s.All() {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestSeries_MarshalJSON(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries(MetricAPICall, from, from.Add(24*time.Hour), 24*time.Hour, map[int64]int64{0: 3})

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"metric":"api_call","bucket_seconds":86400,"points":[{"start":"2026-06-01T00:00:00Z","total":3}]}`, string(raw))
}

func TestEvent_SamePayload(t *testing.T) {
	a := &Event{Metric: MetricAPICall, Quantity: 1, IdempotencyKey: "k", Timestamp: time.Now()}
	b := *a
	b.Timestamp = a.Timestamp.Add(time.Second)
	assert.True(t, a.SamePayload(&b))

	b.Quantity = 2
	assert.False(t, a.SamePayload(&b))
}
