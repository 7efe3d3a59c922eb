// Package cache memoizes inference results keyed by the input sample.
package cache

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/23skdu/longbow-bodkin/internal/model"
)

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_prediction_cache_hits_total",
		Help: "Predictions served from the cache",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_prediction_cache_misses_total",
		Help: "Predictions not found in the cache",
	})
)

// PredictionCache defines a generic interface for caching model outputs.
type PredictionCache interface {
	// Get retrieves the output for an input sample.
	Get(in model.Sample) (model.Sample, bool)
	// Put stores the output for an input sample.
	Put(in, out model.Sample)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes the shape and the raw bits of every value.
func Key(s model.Sample) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, n := range s.Shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(n))
		_, _ = d.Write(buf[:])
	}
	// separates shape from data so [2],[x] and [2,x] differ
	binary.LittleEndian.PutUint64(buf[:], math.MaxUint64)
	_, _ = d.Write(buf[:])
	for _, v := range s.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

type entry struct {
	in  model.Sample
	out model.Sample
}

// MapCache is a bounded in-memory implementation of PredictionCache. When
// full, Put evicts an arbitrary entry.
type MapCache struct {
	data     map[uint64]entry
	capacity int
	mu       sync.RWMutex
}

// NewMapCache creates a cache holding at most capacity entries. A
// capacity of zero or less means unbounded.
func NewMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[uint64]entry),
		capacity: capacity,
	}
}

func (c *MapCache) Get(in model.Sample) (model.Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[Key(in)]
	if !ok || !sameSample(e.in, in) {
		misses.Inc()
		return model.Sample{}, false
	}
	hits.Inc()
	return clone(e.out), true
}

func (c *MapCache) Put(in, out model.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := Key(in)
	if _, ok := c.data[k]; !ok && c.capacity > 0 && len(c.data) >= c.capacity {
		for victim := range c.data {
			delete(c.data, victim)
			break
		}
	}
	c.data[k] = entry{in: clone(in), out: clone(out)}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func clone(s model.Sample) model.Sample {
	return model.Sample{
		Shape: append([]int(nil), s.Shape...),
		Data:  append([]float64(nil), s.Data...),
	}
}

func sameSample(a, b model.Sample) bool {
	if len(a.Shape) != len(b.Shape) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	for i := range a.Data {
		if math.Float64bits(a.Data[i]) != math.Float64bits(b.Data[i]) {
			return false
		}
	}
	return true
}
