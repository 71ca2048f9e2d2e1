// Package api implements spec.md §4.7/§6: the session/API-key authenticated
// JSON surface under /api/app/ and the HMAC-authenticated manager<->worker
// surface under /api/worker/.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/domain/job"
	"github.com/cronicle-edge/corectl/infrastructure/cache"
	"github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/pkg/clock"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
)

// note: the Dispatcher interface below is the API's view of
// dispatcher.Dispatcher; ReportSample carries CPU/mem telemetry, distinct
// from ReportProgress's explicit plugin-reported completion percentage.

// Scheduler is the subset of scheduler.Scheduler the API needs to fire a
// manual run.
type Scheduler interface {
	Trigger(ctx context.Context, ev *event.Event, at time.Time) error
}

// Dispatcher is the subset of dispatcher.Dispatcher the API needs for
// abort_job, get_job_details, and the worker progress/completion callbacks.
type Dispatcher interface {
	Abort(ctx context.Context, jobID string) error
	JobByID(jobID string) (*job.Job, bool)
	ReportProgress(jobID string, progress float64)
	ReportSample(jobID string, s job.Sample)
	Complete(ctx context.Context, jobID string, code int, description string)
}

// Handler wires the storage core and the scheduler/dispatcher services
// into the §4.7 endpoint set. One Handler is shared by both the
// session-authenticated app surface and the HMAC-authenticated worker
// surface.
type Handler struct {
	storage       *storage.Storage
	scheduler     Scheduler
	dispatcher    Dispatcher
	clock         clock.Clock
	log           *logger.Logger
	secretKey     string
	scheduleCache *cache.TTLCache
}

const scheduleCacheKey = "schedule"

// New builds a Handler. clk defaults to the real wall clock if nil.
//
// scheduleCache holds a short-lived copy of the full event list:
// get_schedule is the one endpoint a UI polls on a tight interval, so a
// few seconds of staleness trades for skipping a full list materialization
// on every poll. Any event mutation invalidates it immediately.
func New(st *storage.Storage, sched Scheduler, disp Dispatcher, secretKey string, clk clock.Clock, log *logger.Logger) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{
		storage:       st,
		scheduler:     sched,
		dispatcher:    disp,
		clock:         clk,
		log:           log,
		secretKey:     secretKey,
		scheduleCache: cache.NewTTLCache(3 * time.Second),
	}
}

// RegisterRoutes mounts both the app and worker API subtrees on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	app := router.PathPrefix("/api/app/").Subrouter()
	app.Use(h.sessionOrKeyAuth)
	app.HandleFunc("/get_config", h.handleGetConfig).Methods(http.MethodPost)
	app.HandleFunc("/get_schedule", h.handleGetSchedule).Methods(http.MethodPost)
	app.HandleFunc("/create_event", h.handleCreateEvent).Methods(http.MethodPost)
	app.HandleFunc("/update_event", h.handleUpdateEvent).Methods(http.MethodPost)
	app.HandleFunc("/delete_event", h.handleDeleteEvent).Methods(http.MethodPost)
	app.HandleFunc("/run_event", h.handleRunEvent).Methods(http.MethodPost)
	app.HandleFunc("/abort_job", h.handleAbortJob).Methods(http.MethodPost)
	app.HandleFunc("/get_job_details", h.handleGetJobDetails).Methods(http.MethodPost)
	app.HandleFunc("/get_live_job_log", h.handleGetLiveJobLog).Methods(http.MethodPost)
	app.HandleFunc("/get_categories", h.handleGetCategories).Methods(http.MethodPost)
	app.HandleFunc("/create_category", h.handleCreateCategory).Methods(http.MethodPost)
	app.HandleFunc("/update_category", h.handleUpdateCategory).Methods(http.MethodPost)
	app.HandleFunc("/delete_category", h.handleDeleteCategory).Methods(http.MethodPost)
	app.HandleFunc("/get_api_keys", h.handleGetAPIKeys).Methods(http.MethodPost)
	app.HandleFunc("/create_api_key", h.handleCreateAPIKey).Methods(http.MethodPost)
	app.HandleFunc("/update_api_key", h.handleUpdateAPIKey).Methods(http.MethodPost)
	app.HandleFunc("/delete_api_key", h.handleDeleteAPIKey).Methods(http.MethodPost)
	app.HandleFunc("/get_event_token", h.handleGetEventToken).Methods(http.MethodPost)
	app.HandleFunc("/get_server_groups", h.handleGetServerGroups).Methods(http.MethodPost)
	app.HandleFunc("/create_server_group", h.handleCreateServerGroup).Methods(http.MethodPost)
	app.HandleFunc("/update_server_group", h.handleUpdateServerGroup).Methods(http.MethodPost)
	app.HandleFunc("/delete_server_group", h.handleDeleteServerGroup).Methods(http.MethodPost)
	app.HandleFunc("/get_secret", h.handleGetSecret).Methods(http.MethodPost)
	app.HandleFunc("/create_secret", h.handleCreateSecret).Methods(http.MethodPost)
	app.HandleFunc("/update_secret", h.handleUpdateSecret).Methods(http.MethodPost)
	app.HandleFunc("/delete_secret", h.handleDeleteSecret).Methods(http.MethodPost)

	worker := router.PathPrefix("/api/worker/").Subrouter()
	worker.Use(h.hmacAuth)
	worker.HandleFunc("/ping", h.handlePing).Methods(http.MethodPost)
	worker.HandleFunc("/job_progress", h.handleJobProgress).Methods(http.MethodPost)
	worker.HandleFunc("/job_sample", h.handleJobSample).Methods(http.MethodPost)
	worker.HandleFunc("/job_complete", h.handleJobComplete).Methods(http.MethodPost)
}

// --- JSON plumbing -------------------------------------------------------

type successEnvelope struct {
	Code int `json:"code"`
}

type dataEnvelope struct {
	Code int         `json:"code"`
	Data interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, successEnvelope{Code: 0})
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, dataEnvelope{Code: 0, Data: data})
}

// writeError surfaces spec.md §7's `{code, description}` envelope, mapping
// the error's HTTP status where one is attached (errors.ServiceError),
// otherwise a generic "api" validation failure per §6.
func writeError(w http.ResponseWriter, err error) {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		writeJSON(w, svcErr.HTTPStatus, errorEnvelope{Code: string(svcErr.Code), Description: svcErr.Message})
		return
	}
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Code: "api", Description: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeRequest(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.API("malformed request body")
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}
