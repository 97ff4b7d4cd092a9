package metrics

import (
	"sync"
	"time"
)

// Sample is a single completed-request observation. Immutable once recorded.
type Sample struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	ActorID    string
}

// Key returns the endpoint key the sample is bucketed under.
func (s Sample) Key() string {
	return EndpointKey(s.Method, s.Path)
}

// EndpointKey builds the canonical (method, path) bucket key.
func EndpointKey(method, path string) string {
	return method + " " + path
}

// DefaultBucketCapacity bounds each endpoint bucket when no capacity is configured.
const DefaultBucketCapacity = 1000

// bucket is a fixed-capacity FIFO ring of samples for one endpoint.
type bucket struct {
	mu      sync.Mutex
	samples []Sample
	head    int // index of the oldest sample
	size    int
}

func (b *bucket) record(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.samples) {
		b.samples[(b.head+b.size)%len(b.samples)] = s
		b.size++
		return
	}

	// Full: overwrite the oldest slot and advance the head.
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
}

// snapshot copies the bucket contents in insertion order so callers can
// filter and sort without holding the bucket lock.
func (b *bucket) snapshot() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Sample, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.samples[(b.head+i)%len(b.samples)]
	}
	return out
}

// SampleStore holds bounded per-endpoint ring buffers of recent request
// outcomes. Record is safe for concurrent writers to the same bucket.
type SampleStore struct {
	capacity int
	buckets  sync.Map // endpoint key -> *bucket
}

// NewSampleStore creates a sample store with the given per-bucket capacity.
func NewSampleStore(capacity int) *SampleStore {
	if capacity <= 0 {
		capacity = DefaultBucketCapacity
	}
	return &SampleStore{capacity: capacity}
}

// Record appends the sample to its endpoint bucket, evicting the oldest
// sample once the bucket is at capacity. O(1) amortized.
func (s *SampleStore) Record(sample Sample) {
	key := sample.Key()

	v, ok := s.buckets.Load(key)
	if !ok {
		v, _ = s.buckets.LoadOrStore(key, &bucket{samples: make([]Sample, s.capacity)})
	}
	v.(*bucket).record(sample)
}

// Snapshot returns a copy of the samples currently held for the endpoint,
// oldest first. Unknown endpoints yield an empty slice.
func (s *SampleStore) Snapshot(key string) []Sample {
	v, ok := s.buckets.Load(key)
	if !ok {
		return nil
	}
	return v.(*bucket).snapshot()
}

// Keys returns the endpoint keys that have recorded at least one sample.
func (s *SampleStore) Keys() []string {
	keys := make([]string, 0)
	s.buckets.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}
