package main

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/ingest"
	"github.com/otomoni/machinemon/internal/server"
	"github.com/otomoni/machinemon/internal/status"
	"github.com/otomoni/machinemon/internal/threshold"
	"github.com/otomoni/machinemon/internal/types"
)

// latestLimit is how many records GET /api/audio/latest returns.
const latestLimit = 10

// errBackfillRunning is returned when a level backfill is already in progress.
var errBackfillRunning = errors.New("backfill already running")

// ConfigResponse is returned by the configuration endpoints.
type ConfigResponse struct {
	EquipmentID string              `json:"equipmentId"`
	Config      threshold.Config    `json:"config"`
	Override    *threshold.Override `json:"override,omitempty"`
}

// ConfigUpdateRequest is the body of POST /api/machine/config.
type ConfigUpdateRequest struct {
	EquipmentID string `json:"equipmentId"`
	threshold.Override
}

// BatchIngestRequest is the body of POST /api/ingest/batch.
type BatchIngestRequest struct {
	Events []ingest.Event `json:"events" validate:"required,min=1,max=500,dive"`
}

// BatchItem is the outcome for one event of a batch.
type BatchItem struct {
	Key    string        `json:"key"`
	Record *index.Record `json:"record,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// BatchIngestResponse is returned by POST /api/ingest/batch.
type BatchIngestResponse struct {
	Items  []BatchItem `json:"items"`
	Failed int         `json:"failed"`
}

func newBatchResponse(results []ingest.Result) BatchIngestResponse {
	resp := BatchIngestResponse{Items: make([]BatchItem, len(results))}
	for i, r := range results {
		item := BatchItem{Key: r.Event.Key}
		if r.Err != nil {
			item.Error = r.Err.Error()
			resp.Failed++
		} else {
			item.Record = &r.Record
		}
		resp.Items[i] = item
	}
	return resp
}

// IndexBackfillRequest is the body of POST /api/backfill/index. Empty fields
// use the configured storage location.
type IndexBackfillRequest struct {
	Bucket     string `json:"bucket,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	KeepNewest int    `json:"keepNewest,omitempty" validate:"gte=0,lte=10000"`
}

// EventsResponse is returned by GET /api/events.
type EventsResponse struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"hasMore"`
}

// LatestResponse is returned by GET /api/audio/latest.
type LatestResponse struct {
	Items []index.Record `json:"items"`
}

// domainError maps engine errors to API errors.
func domainError(err error) error {
	switch {
	case errors.Is(err, status.ErrNoEquipment):
		return server.BadRequest(err)
	case errors.Is(err, blob.ErrNotFound):
		return server.NotFound(err)
	case errors.Is(err, errBackfillRunning):
		return server.Conflict(err)
	default:
		return err
	}
}

func sendDomainError(w http.ResponseWriter, err error) {
	err = domainError(err)
	server.SendError(w, server.StatusFor(err), err)
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, server.BadRequest(errors.New(name + " must be a non-negative integer"))
	}
	return n, nil
}

// handleHealth reports build info and background component states.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components := s.componentStatuses()
	resp := types.HealthResponse{
		Status:      "ok",
		Version:     versionInfo(),
		Components:  components,
		FeedClients: s.hub.Clients(),
	}
	if s.notifier != nil {
		states := s.notifier.States()
		resp.Equipment = make(map[string]string, len(states))
		for id, st := range states {
			resp.Equipment[id] = string(st)
		}
	}
	for _, c := range components {
		if c.State == types.ComponentError {
			resp.Status = "degraded"
		}
	}
	server.SendJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /api/machine/status?equipmentId=.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.app.status.Status(r.Context(), r.URL.Query().Get("equipmentId"))
	if err != nil {
		sendDomainError(w, err)
		return
	}
	s.publish(context.WithoutCancel(r.Context()), &rep)
	server.SendJSON(w, http.StatusOK, rep)
}

// handleGetConfig handles GET /api/machine/config?equipmentId=.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id, cfg, o, err := s.app.status.Config(r.Context(), r.URL.Query().Get("equipmentId"))
	if err != nil {
		sendDomainError(w, err)
		return
	}
	server.SendJSON(w, http.StatusOK, ConfigResponse{EquipmentID: id, Config: cfg, Override: o})
}

// handleUpdateConfig handles POST /api/machine/config.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	server.HandleRequest(w, r, func(req *ConfigUpdateRequest) (any, error) {
		id, cfg, err := s.app.status.UpdateConfig(r.Context(), req.EquipmentID, req.Override)
		if err != nil {
			return nil, domainError(err)
		}
		_, _, o, err := s.app.status.Config(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return ConfigResponse{EquipmentID: id, Config: cfg, Override: o}, nil
	})
}

// handleIngest handles POST /api/ingest for one stored recording.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	server.HandleRequest(w, r, func(ev *ingest.Event) (any, error) {
		rec, err := s.app.pipeline.Ingest(r.Context(), *ev)
		if err != nil {
			return nil, domainError(err)
		}
		return rec, nil
	})
}

// handleIngestBatch handles POST /api/ingest/batch. Per-event failures are
// reported in the items, not as a request error.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	server.HandleRequest(w, r, func(req *BatchIngestRequest) (any, error) {
		return newBatchResponse(s.app.IngestBatch(r.Context(), req.Events)), nil
	})
}

// handleBackfillLevels handles POST /api/backfill/dbfs?limit=.
func (s *Server) handleBackfillLevels(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	rep, err := s.runBackfillLimit(r.Context(), limit)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	server.SendJSON(w, http.StatusOK, rep)
}

// handleBackfillIndex handles POST /api/backfill/index.
func (s *Server) handleBackfillIndex(w http.ResponseWriter, r *http.Request) {
	server.HandleRequest(w, r, func(req *IndexBackfillRequest) (any, error) {
		b := *s.app.indexer
		b.KeepNewest = cmp.Or(req.KeepNewest, b.KeepNewest)
		bucket := cmp.Or(req.Bucket, s.app.cfg.Storage.Bucket)
		if bucket == "" {
			return nil, server.BadRequest(errors.New("bucket is required"))
		}
		return b.Run(r.Context(), bucket, cmp.Or(req.Prefix, s.app.cfg.Storage.Prefix))
	})
}

// handleEvents handles GET /api/events?limit=&offset=&filter=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	filter := eventlog.TypeFilter(r.URL.Query().Get("filter"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterIngest, eventlog.FilterBackfill, eventlog.FilterState:
	default:
		server.SendError(w, http.StatusBadRequest, errors.New("filter must be one of: ingest backfill state"))
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.app.cfg.EventLogPath, limit, offset, filter)
	if err != nil {
		server.SendError(w, http.StatusInternalServerError, err)
		return
	}
	server.SendJSON(w, http.StatusOK, EventsResponse{Events: events, HasMore: hasMore})
}

// handleLatest handles GET /api/audio/latest with the newest index records.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	recs, err := s.app.store.QueryPartition(r.Context(), index.PartitionAudio, latestLimit)
	if err != nil {
		server.SendError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []index.Record{}
	}
	server.SendJSON(w, http.StatusOK, LatestResponse{Items: recs})
}

// runBackfill runs one level backfill batch with the configured limit.
func (s *Server) runBackfill(ctx context.Context) (ingest.Report, error) {
	return s.runBackfillLimit(ctx, 0)
}

// runBackfillLimit runs one batch; limit zero keeps the configured limit.
// Concurrent runs are rejected.
func (s *Server) runBackfillLimit(ctx context.Context, limit int) (ingest.Report, error) {
	if !s.backfillMu.TryLock() {
		return ingest.Report{}, errBackfillRunning
	}
	defer s.backfillMu.Unlock()

	b := *s.app.backfill
	b.Limit = cmp.Or(limit, b.Limit)
	return b.Run(ctx)
}
