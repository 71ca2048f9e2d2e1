package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/cronicle-edge/corectl/infrastructure/ratelimit"
)

// AdmissionConfig mirrors spec.md's transport admission knobs:
// max_concurrent_requests, max_queue_length, max_queue_active.
type AdmissionConfig struct {
	MaxConcurrentRequests int
	MaxQueueLength        int
	MaxQueueActive        int
}

// Admission bounds the number of requests processed concurrently, in three
// tiers. Requests beyond MaxConcurrentRequests+MaxQueueLength are rejected
// immediately with 503 (the request never even joins the queue). Of the
// requests that do join the queue, at most MaxQueueActive may hold a
// waiting ticket and actually block for a slot; a request that can't claim
// a ticket is rejected immediately instead of piling up behind an already
// saturated waiting room. The rest block until a slot frees up. A request
// that finds a free slot on arrival takes no ticket; a waiter keeps its
// ticket until its request completes.
func Admission(cfg AdmissionConfig) func(http.Handler) http.Handler {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1024
	}
	slots := make(chan struct{}, cfg.MaxConcurrentRequests)
	var queued int64
	maxQueue := int64(cfg.MaxQueueLength)

	var waitTickets chan struct{}
	if cfg.MaxQueueActive > 0 {
		waitTickets = make(chan struct{}, cfg.MaxQueueActive)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxQueue > 0 && atomic.LoadInt64(&queued) >= int64(cfg.MaxConcurrentRequests)+maxQueue {
				http.Error(w, `{"code":"queue_overflow","description":"server request queue is full"}`, http.StatusServiceUnavailable)
				return
			}
			atomic.AddInt64(&queued, 1)
			defer atomic.AddInt64(&queued, -1)

			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
				next.ServeHTTP(w, r)
				return
			default:
			}

			if waitTickets != nil {
				select {
				case waitTickets <- struct{}{}:
					defer func() { <-waitTickets }()
				default:
					http.Error(w, `{"code":"queue_overflow","description":"too many requests actively queued"}`, http.StatusServiceUnavailable)
					return
				}
			}

			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-r.Context().Done():
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit rejects requests once the configured limiter is exhausted.
func RateLimit(limiter *ratelimit.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				http.Error(w, `{"code":"timeout","description":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
