package worker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/cronicle-edge/corectl/dispatcher"
	"github.com/cronicle-edge/corectl/domain/job"
	"github.com/cronicle-edge/corectl/storage"
	"github.com/cronicle-edge/corectl/storage/engine/localfs"
)

func newTestRunner(t *testing.T) (*Runner, *storage.Storage) {
	t.Helper()
	eng, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	st := storage.New(eng, 4, t.TempDir(), nil)
	return New(st, "test-secret", 3012, nil), st
}

func TestRunner_RejectsUnsignedRequest(t *testing.T) {
	r, _ := newTestRunner(t)
	router := mux.NewRouter()
	r.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/job/abort", bytes.NewReader([]byte(`{"job_id":"j1"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunner_AcceptsValidSignature(t *testing.T) {
	r, _ := newTestRunner(t)
	router := mux.NewRouter()
	r.RegisterRoutes(router)

	key, salt, digest := dispatcher.WorkerSignature("test-secret")
	req := httptest.NewRequest(http.MethodPost, "/api/job/abort", bytes.NewReader([]byte(`{"job_id":"unknown"}`)))
	req.Header.Set("X-Cronicle-Key", key)
	req.Header.Set("X-Cronicle-Salt", salt)
	req.Header.Set("X-Cronicle-Auth", digest)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	// signature accepted, but there's no such local job to abort
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunner_CallbackSkippedWithoutManagerRecord(t *testing.T) {
	r, _ := newTestRunner(t)
	// no global/manager key persisted yet; the callback must not panic,
	// just log and drop the report.
	r.reportSample("j1", job.Sample{AtEpoch: 1, CPUPct: 1.5})
	r.reportComplete("j1", 0, "")
}
