package api

import (
	"encoding/json"
	"net/http"

	"github.com/cronicle-edge/corectl/domain/auth"
	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/domain/job"
	"github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/pkg/config"
	"github.com/cronicle-edge/corectl/storage"
)

const (
	scheduleKey     = "global/schedule"
	categoriesKey   = "global/categories"
	apiKeysKey      = "global/api_keys"
	serverGroupsKey = "global/server_groups"
	secretsKey      = "global/secrets"
	jobsByEventFmt  = "logs/jobs/%s"
)

func (h *Handler) scheduleList() *storage.List {
	return storage.NewList(h.storage, h.storage.Locks(), scheduleKey, 50)
}
func (h *Handler) categoryList() *storage.List {
	return storage.NewList(h.storage, h.storage.Locks(), categoriesKey, 50)
}
func (h *Handler) apiKeyList() *storage.List {
	return storage.NewList(h.storage, h.storage.Locks(), apiKeysKey, 50)
}
func (h *Handler) serverGroupList() *storage.List {
	return storage.NewList(h.storage, h.storage.Locks(), serverGroupsKey, 50)
}
func (h *Handler) secretList() *storage.List {
	return storage.NewList(h.storage, h.storage.Locks(), secretsKey, 50)
}

// --- get_config -----------------------------------------------------------

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := config.New()
	writeData(w, cfg)
}

// --- schedule / events ------------------------------------------------------

func (h *Handler) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.scheduleCache.Get(r.Context(), scheduleCacheKey); ok {
		writeData(w, cached)
		return
	}

	raws, err := h.scheduleList().Get(r.Context(), 0, -1)
	if err != nil {
		writeError(w, errors.IOError("get_schedule", err))
		return
	}
	events := make([]event.Event, 0, len(raws))
	for _, raw := range raws {
		var ev event.Event
		if json.Unmarshal(raw, &ev) == nil {
			events = append(events, ev)
		}
	}
	h.scheduleCache.Set(r.Context(), scheduleCacheKey, events)
	writeData(w, events)
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeRequest(r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if ev.Title == "" {
		writeError(w, errors.Validation("title", "title is required"))
		return
	}
	if ev.ID == "" {
		ev.ID = newID()
	}
	ev.Created = h.clock.Now().Unix()
	ev.Modified = ev.Created
	if err := h.scheduleList().Push(r.Context(), ev); err != nil {
		writeError(w, errors.IOError("create_event", err))
		return
	}
	h.scheduleCache.Delete(r.Context(), scheduleCacheKey)
	writeData(w, ev)
}

func (h *Handler) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var patch event.Event
	if err := decodeRequest(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if patch.ID == "" {
		writeError(w, errors.Validation("id", "id is required"))
		return
	}
	found, err := h.scheduleList().FindUpdate(r.Context(), matchEventID(patch.ID), func(item json.RawMessage) (interface{}, error) {
		var existing event.Event
		if err := json.Unmarshal(item, &existing); err != nil {
			return nil, err
		}
		patch.Created = existing.Created
		patch.Modified = h.clock.Now().Unix()
		return patch, nil
	})
	if err != nil {
		writeError(w, errors.IOError("update_event", err))
		return
	}
	if !found {
		writeError(w, errors.NoSuchKey(patch.ID))
		return
	}
	h.scheduleCache.Delete(r.Context(), scheduleCacheKey)
	writeSuccess(w)
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	idx, _, err := h.scheduleList().Find(r.Context(), matchEventID(req.ID))
	if err != nil {
		writeError(w, errors.IOError("delete_event", err))
		return
	}
	if idx < 0 {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	if _, err := h.scheduleList().Splice(r.Context(), idx, 1); err != nil {
		writeError(w, errors.IOError("delete_event", err))
		return
	}
	h.scheduleCache.Delete(r.Context(), scheduleCacheKey)
	writeSuccess(w)
}

func matchEventID(id string) storage.Predicate {
	return func(item json.RawMessage) bool {
		var ev event.Event
		return json.Unmarshal(item, &ev) == nil && ev.ID == id
	}
}

func (h *Handler) lookupEvent(r *http.Request, id string) (*event.Event, error) {
	_, raw, err := h.scheduleList().Find(r.Context(), matchEventID(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NoSuchKey(id)
	}
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.IOError("event-decode", err)
	}
	return &ev, nil
}

// --- run_event / abort_job / job details -----------------------------------

func (h *Handler) handleRunEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := h.lookupEvent(r, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.scheduler.Trigger(r.Context(), ev, h.clock.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handler) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.dispatcher.Abort(r.Context(), req.JobID); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handler) handleGetJobDetails(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if j, ok := h.dispatcher.JobByID(req.JobID); ok {
		writeData(w, j)
		return
	}
	// Not active: look it up in the completed history for its event.
	raws, err := h.scheduleList().Get(r.Context(), 0, -1)
	if err != nil {
		writeError(w, errors.IOError("get_job_details", err))
		return
	}
	for _, raw := range raws {
		var ev event.Event
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		list := storage.NewList(h.storage, h.storage.Locks(), jobsByEventKey(ev.ID), 50)
		items, err := list.Get(r.Context(), 0, -1)
		if err != nil {
			continue
		}
		for _, item := range items {
			var j job.Job
			if json.Unmarshal(item, &j) == nil && j.ID == req.JobID {
				writeData(w, j)
				return
			}
		}
	}
	writeError(w, errors.NoSuchKey(req.JobID))
}

func jobsByEventKey(eventID string) string {
	return "logs/jobs/" + eventID
}

// handleGetLiveJobLog returns the worker hostname and log path for an
// active job; the transport layer streams the actual bytes via
// GetStream/GetStreamRange on that key (spec.md §4.8).
func (h *Handler) handleGetLiveJobLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, ok := h.dispatcher.JobByID(req.JobID)
	if !ok {
		writeError(w, errors.NoSuchKey(req.JobID))
		return
	}
	writeData(w, map[string]string{"hostname": j.Hostname, "log_path": j.LogPath})
}

// --- categories -------------------------------------------------------------

func (h *Handler) handleGetCategories(w http.ResponseWriter, r *http.Request) {
	raws, err := h.categoryList().Get(r.Context(), 0, -1)
	if err != nil {
		writeError(w, errors.IOError("get_categories", err))
		return
	}
	cats := make([]event.Category, 0, len(raws))
	for _, raw := range raws {
		var c event.Category
		if json.Unmarshal(raw, &c) == nil {
			cats = append(cats, c)
		}
	}
	writeData(w, cats)
}

func (h *Handler) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var c event.Category
	if err := decodeRequest(r, &c); err != nil {
		writeError(w, err)
		return
	}
	if c.Title == "" {
		writeError(w, errors.Validation("title", "title is required"))
		return
	}
	if c.ID == "" {
		c.ID = newID()
	}
	if err := h.categoryList().Push(r.Context(), c); err != nil {
		writeError(w, errors.IOError("create_category", err))
		return
	}
	writeData(w, c)
}

func (h *Handler) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	var patch event.Category
	if err := decodeRequest(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	found, err := h.categoryList().FindUpdate(r.Context(), func(item json.RawMessage) bool {
		var c event.Category
		return json.Unmarshal(item, &c) == nil && c.ID == patch.ID
	}, func(json.RawMessage) (interface{}, error) { return patch, nil })
	if err != nil {
		writeError(w, errors.IOError("update_category", err))
		return
	}
	if !found {
		writeError(w, errors.NoSuchKey(patch.ID))
		return
	}
	writeSuccess(w)
}

func (h *Handler) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if inUse, err := h.categoryInUse(r, req.ID); err != nil {
		writeError(w, err)
		return
	} else if inUse {
		writeError(w, errors.Conflict("category is still referenced by one or more events"))
		return
	}
	idx, _, err := h.categoryList().Find(r.Context(), func(item json.RawMessage) bool {
		var c event.Category
		return json.Unmarshal(item, &c) == nil && c.ID == req.ID
	})
	if err != nil {
		writeError(w, errors.IOError("delete_category", err))
		return
	}
	if idx < 0 {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	if _, err := h.categoryList().Splice(r.Context(), idx, 1); err != nil {
		writeError(w, errors.IOError("delete_category", err))
		return
	}
	writeSuccess(w)
}

// categoryInUse implements spec.md §7's conflict kind: "deleting a group
// still referenced by events".
func (h *Handler) categoryInUse(r *http.Request, categoryID string) (bool, error) {
	raws, err := h.scheduleList().Get(r.Context(), 0, -1)
	if err != nil {
		return false, errors.IOError("category-reference-scan", err)
	}
	for _, raw := range raws {
		var ev event.Event
		if json.Unmarshal(raw, &ev) == nil && ev.Category == categoryID {
			return true, nil
		}
	}
	return false, nil
}

// --- server groups -----------------------------------------------------------

func (h *Handler) handleGetServerGroups(w http.ResponseWriter, r *http.Request) {
	raws, err := h.serverGroupList().Get(r.Context(), 0, -1)
	if err != nil {
		writeError(w, errors.IOError("get_server_groups", err))
		return
	}
	groups := make([]event.ServerGroup, 0, len(raws))
	for _, raw := range raws {
		var g event.ServerGroup
		if json.Unmarshal(raw, &g) == nil {
			groups = append(groups, g)
		}
	}
	writeData(w, groups)
}

func (h *Handler) handleCreateServerGroup(w http.ResponseWriter, r *http.Request) {
	var g event.ServerGroup
	if err := decodeRequest(r, &g); err != nil {
		writeError(w, err)
		return
	}
	if g.ID == "" {
		g.ID = newID()
	}
	if err := h.serverGroupList().Push(r.Context(), g); err != nil {
		writeError(w, errors.IOError("create_server_group", err))
		return
	}
	writeData(w, g)
}

func (h *Handler) handleUpdateServerGroup(w http.ResponseWriter, r *http.Request) {
	var patch event.ServerGroup
	if err := decodeRequest(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	found, err := h.serverGroupList().FindUpdate(r.Context(), func(item json.RawMessage) bool {
		var g event.ServerGroup
		return json.Unmarshal(item, &g) == nil && g.ID == patch.ID
	}, func(json.RawMessage) (interface{}, error) { return patch, nil })
	if err != nil {
		writeError(w, errors.IOError("update_server_group", err))
		return
	}
	if !found {
		writeError(w, errors.NoSuchKey(patch.ID))
		return
	}
	writeSuccess(w)
}

func (h *Handler) handleDeleteServerGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	idx, _, err := h.serverGroupList().Find(r.Context(), func(item json.RawMessage) bool {
		var g event.ServerGroup
		return json.Unmarshal(item, &g) == nil && g.ID == req.ID
	})
	if err != nil {
		writeError(w, errors.IOError("delete_server_group", err))
		return
	}
	if idx < 0 {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	if _, err := h.serverGroupList().Splice(r.Context(), idx, 1); err != nil {
		writeError(w, errors.IOError("delete_server_group", err))
		return
	}
	writeSuccess(w)
}

// --- API keys -----------------------------------------------------------

func (h *Handler) handleGetAPIKeys(w http.ResponseWriter, r *http.Request) {
	raws, err := h.apiKeyList().Get(r.Context(), 0, -1)
	if err != nil {
		writeError(w, errors.IOError("get_api_keys", err))
		return
	}
	keys := make([]auth.APIKey, 0, len(raws))
	for _, raw := range raws {
		var k auth.APIKey
		if json.Unmarshal(raw, &k) == nil {
			k.Key = "" // never echo the live key back
			keys = append(keys, k)
		}
	}
	writeData(w, keys)
}

func (h *Handler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var k auth.APIKey
	if err := decodeRequest(r, &k); err != nil {
		writeError(w, err)
		return
	}
	if k.Title == "" {
		writeError(w, errors.Validation("title", "title is required"))
		return
	}
	k.ID = newID()
	k.Key = newID()
	k.Salt = newID()
	k.Active = true
	if err := h.apiKeyList().Push(r.Context(), k); err != nil {
		writeError(w, errors.IOError("create_api_key", err))
		return
	}
	writeData(w, k)
}

func (h *Handler) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		Active  *bool  `json:"active"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	found, err := h.apiKeyList().FindUpdate(r.Context(), func(item json.RawMessage) bool {
		var k auth.APIKey
		return json.Unmarshal(item, &k) == nil && k.ID == req.ID
	}, func(item json.RawMessage) (interface{}, error) {
		var k auth.APIKey
		if err := json.Unmarshal(item, &k); err != nil {
			return nil, err
		}
		if req.Title != "" {
			k.Title = req.Title
		}
		if req.Active != nil {
			k.Active = *req.Active
		}
		return k, nil
	})
	if err != nil {
		writeError(w, errors.IOError("update_api_key", err))
		return
	}
	if !found {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	writeSuccess(w)
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	idx, _, err := h.apiKeyList().Find(r.Context(), func(item json.RawMessage) bool {
		var k auth.APIKey
		return json.Unmarshal(item, &k) == nil && k.ID == req.ID
	})
	if err != nil {
		writeError(w, errors.IOError("delete_api_key", err))
		return
	}
	if idx < 0 {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	if _, err := h.apiKeyList().Splice(r.Context(), idx, 1); err != nil {
		writeError(w, errors.IOError("delete_api_key", err))
		return
	}
	writeSuccess(w)
}

// handleGetEventToken issues a worker-facing HMAC token for an event, for
// self-triggered web hooks (spec.md §6 "get_event_token").
func (h *Handler) handleGetEventToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.lookupEvent(r, req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]string{"token": hmacToken(h.secretKey, req.ID)})
}

// --- secrets -----------------------------------------------------------

func (h *Handler) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	_, raw, err := h.secretList().Find(r.Context(), func(item json.RawMessage) bool {
		var s auth.Secret
		return json.Unmarshal(item, &s) == nil && s.ID == req.ID
	})
	if err != nil {
		writeError(w, errors.IOError("get_secret", err))
		return
	}
	if raw == nil {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	var s auth.Secret
	_ = json.Unmarshal(raw, &s)
	writeData(w, map[string]string{"id": s.ID, "title": s.Title, "preview": maskSecret(s.Value)})
}

func maskSecret(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

func (h *Handler) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var s auth.Secret
	if err := decodeRequest(r, &s); err != nil {
		writeError(w, err)
		return
	}
	if s.Title == "" || s.Value == "" {
		writeError(w, errors.Validation("value", "title and value are required"))
		return
	}
	s.ID = newID()
	s.Created = h.clock.Now().Unix()
	if err := h.secretList().Push(r.Context(), s); err != nil {
		writeError(w, errors.IOError("create_secret", err))
		return
	}
	if p, ok := principalFrom(r.Context()); ok && h.log != nil {
		h.log.WithField("secret", s.ID).WithField("principal", p).Info("api: secret created")
	}
	writeData(w, map[string]string{"id": s.ID})
}

func (h *Handler) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	var patch auth.Secret
	if err := decodeRequest(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	found, err := h.secretList().FindUpdate(r.Context(), func(item json.RawMessage) bool {
		var s auth.Secret
		return json.Unmarshal(item, &s) == nil && s.ID == patch.ID
	}, func(item json.RawMessage) (interface{}, error) {
		var s auth.Secret
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, err
		}
		if patch.Title != "" {
			s.Title = patch.Title
		}
		if patch.Value != "" {
			s.Value = patch.Value
		}
		return s, nil
	})
	if err != nil {
		writeError(w, errors.IOError("update_secret", err))
		return
	}
	if !found {
		writeError(w, errors.NoSuchKey(patch.ID))
		return
	}
	writeSuccess(w)
}

func (h *Handler) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	idx, _, err := h.secretList().Find(r.Context(), func(item json.RawMessage) bool {
		var s auth.Secret
		return json.Unmarshal(item, &s) == nil && s.ID == req.ID
	})
	if err != nil {
		writeError(w, errors.IOError("delete_secret", err))
		return
	}
	if idx < 0 {
		writeError(w, errors.NoSuchKey(req.ID))
		return
	}
	if _, err := h.secretList().Splice(r.Context(), idx, 1); err != nil {
		writeError(w, errors.IOError("delete_secret", err))
		return
	}
	writeSuccess(w)
}

// --- worker callbacks (HMAC-authenticated subtree) --------------------------

// handlePing answers a worker's or manager's periodic authenticated
// liveness contact (spec.md §4.4 "each worker contacts its known manager
// via authenticated HTTP"); it does nothing beyond proving the HMAC
// signature and the process are both alive.
func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w)
}

func (h *Handler) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID    string  `json:"job_id"`
		Progress float64 `json:"progress"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.dispatcher.ReportProgress(req.JobID, req.Progress)
	writeSuccess(w)
}

func (h *Handler) handleJobSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID  string     `json:"job_id"`
		Sample job.Sample `json:"sample"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.dispatcher.ReportSample(req.JobID, req.Sample)
	writeSuccess(w)
}

func (h *Handler) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID       string `json:"job_id"`
		Code        int    `json:"code"`
		Description string `json:"description"`
	}
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.dispatcher.Complete(r.Context(), req.JobID, req.Code, req.Description)
	writeSuccess(w)
}
