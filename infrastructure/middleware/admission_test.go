package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingHandler(release <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdmission_RejectsBeyondQueueLength(t *testing.T) {
	release := make(chan struct{})
	h := Admission(AdmissionConfig{MaxConcurrentRequests: 1, MaxQueueLength: 1})(blockingHandler(release))

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
		time.Sleep(20 * time.Millisecond) // let each request settle into its admission state before starting the next
	}
	close(release)
	wg.Wait()

	rejected := 0
	for _, c := range codes {
		if c == http.StatusServiceUnavailable {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected, "codes: %v", codes)
}

func TestAdmission_MaxQueueActiveRejectsExcessWaiters(t *testing.T) {
	release := make(chan struct{})
	h := Admission(AdmissionConfig{MaxConcurrentRequests: 1, MaxQueueLength: 10, MaxQueueActive: 1})(blockingHandler(release))

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	rejected := 0
	for _, c := range codes {
		if c == http.StatusServiceUnavailable {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected, "MaxQueueActive=1 must reject the second waiter even though MaxQueueLength allows it; codes: %v", codes)
}

func TestAdmission_ZeroMaxQueueActiveDisablesTier(t *testing.T) {
	h := Admission(AdmissionConfig{MaxConcurrentRequests: 3, MaxQueueLength: 10})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		require.Equal(t, http.StatusOK, c)
	}
}
