package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunCountsOutcomes(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	stats := &Stats{}
	run(context.Background(), options{
		target:      ts.URL,
		paths:       []string{"/ok", "/limited", "/broken"},
		duration:    200 * time.Millisecond,
		concurrency: 4,
		rate:        200,
	}, ts.Client(), stats)

	total := atomic.LoadUint64(&stats.successCount) +
		atomic.LoadUint64(&stats.limitedCount) +
		atomic.LoadUint64(&stats.failureCount)
	assert.Positive(t, total)
	assert.LessOrEqual(t, total, uint64(hits.Load()))
	assert.Equal(t, atomic.LoadUint64(&stats.successCount), atomic.LoadUint64(&stats.latencyCount))
}

func TestAvgLatency(t *testing.T) {
	s := &Stats{}
	assert.Zero(t, s.avgLatency())
	s.latencySum, s.latencyCount = 300, 3
	assert.EqualValues(t, 100, s.avgLatency())
}
