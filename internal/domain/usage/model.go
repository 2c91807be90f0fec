package usage

import (
	"encoding/json"
	"iter"
	"time"

	"github.com/google/uuid"
)

const (
	MetricAPICall      = "api_call"
	MetricStorageBytes = "storage_bytes"
)

// Event is immutable once appended. Corrections are new events with a
// negative Quantity.
type Event struct {
	ID             uuid.UUID `db:"id" json:"id"`
	SubjectID      uuid.UUID `db:"subject_id" json:"subject_id"`
	OwnerID        uuid.UUID `db:"owner_id" json:"owner_id"`
	Metric         string    `db:"metric" json:"metric"`
	Quantity       int64     `db:"quantity" json:"quantity"`
	Timestamp      time.Time `db:"occurred_at" json:"timestamp"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
}

// SamePayload reports whether a retry carries the same content as the stored event.
func (e *Event) SamePayload(other *Event) bool {
	return e.SubjectID == other.SubjectID &&
		e.OwnerID == other.OwnerID &&
		e.Metric == other.Metric &&
		e.Quantity == other.Quantity
}

type Point struct {
	Start time.Time `json:"start"`
	Total int64     `json:"total"`
}

// Series is a zero-filled bucketed view over [From, To). The bucket totals are
// captured when the series is built; iterating is lazy and can be repeated.
type Series struct {
	Metric string
	From   time.Time
	To     time.Time
	Bucket time.Duration
	totals map[int64]int64
}

// NewSeries builds a series from sparse totals keyed by bucket index, where
// index i covers [From+i*Bucket, From+(i+1)*Bucket).
func NewSeries(metric string, from, to time.Time, bucket time.Duration, totals map[int64]int64) *Series {
	if totals == nil {
		totals = map[int64]int64{}
	}
	return &Series{Metric: metric, From: from, To: to, Bucket: bucket, totals: totals}
}

func (s *Series) Len() int {
	if s.Bucket <= 0 || !s.To.After(s.From) {
		return 0
	}
	span := s.To.Sub(s.From)
	n := span / s.Bucket
	if span%s.Bucket != 0 {
		n++
	}
	return int(n)
}

func (s *Series) All() iter.Seq2[time.Time, int64] {
	return func(yield func(time.Time, int64) bool) {
		n := s.Len()
		for i := 0; i < n; i++ {
			start := s.From.Add(time.Duration(i) * s.Bucket)
			if !yield(start, s.totals[int64(i)]) {
				return
			}
		}
	}
}

func (s *Series) Points() []Point {
	points := make([]Point, 0, s.Len())
	for start, total := range s.All() {
		points = append(points, Point{Start: start, Total: total})
	}
	return points
}

func (s *Series) Sum() int64 {
	var sum int64
	for _, v := range s.totals {
		sum += v
	}
	return sum
}

func (s *Series) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Metric        string  `json:"metric"`
		BucketSeconds int64   `json:"bucket_seconds"`
		Points        []Point `json:"points"`
	}{
		Metric:        s.Metric,
		BucketSeconds: int64(s.Bucket / time.Second),
		Points:        s.Points(),
	})
}
