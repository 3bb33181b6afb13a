package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/auditchain/internal/artifact"
	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/middleware"
	"github.com/onnwee/auditchain/internal/validate"
)

const (
	// DefaultMaxBodyBytes bounds JSON request bodies.
	DefaultMaxBodyBytes = 1 << 20 // 1MB
	// DefaultMaxBundleBytes bounds uploaded bundles for offline verification.
	DefaultMaxBundleBytes = 64 << 20 // 64MB
	// DefaultActorEventsLimit is used when the limit query parameter is absent.
	DefaultActorEventsLimit = 50
	// MaxActorEventsLimit caps the limit query parameter.
	MaxActorEventsLimit = 500
)

// ErrMissingDependency is returned by NewAuditHandlers when a required
// component is nil.
var ErrMissingDependency = errors.New("audit handlers require a recorder, service and repository")

// AuditHandlersConfig holds the dependencies of the audit HTTP handlers.
type AuditHandlersConfig struct {
	Recorder   *audit.Recorder
	Service    *audit.Service
	Repository audit.Repository

	// FlatStore backs the actor query endpoint. Optional.
	FlatStore audit.FlatStore
	// Broadcaster feeds the live tail stream. Optional.
	Broadcaster *audit.Broadcaster
	// Artifacts receives exports with destination "artifact". Optional.
	Artifacts artifact.Store

	// ComplianceMiddleware wraps the verify and export endpoints, typically
	// with a stricter rate limit. Optional.
	ComplianceMiddleware func(http.Handler) http.Handler
	// AppendMiddleware wraps the two append endpoints, typically with
	// idempotency-key handling. Optional.
	AppendMiddleware func(http.Handler) http.Handler

	// AllowedOrigins restricts the Origin of stream connections. Empty
	// allows same-origin requests only; "*" allows any origin.
	AllowedOrigins []string

	MaxBodyBytes   int64
	MaxBundleBytes int64
	Logger         *slog.Logger
}

// AuditHandlers serves the audit log over HTTP.
type AuditHandlers struct {
	recorder       *audit.Recorder
	service        *audit.Service
	repo           audit.Repository
	flat           audit.FlatStore
	broadcaster    *audit.Broadcaster
	artifacts      artifact.Store
	compliance     func(http.Handler) http.Handler
	appendWrap     func(http.Handler) http.Handler
	allowedOrigins []string
	maxBodyBytes   int64
	maxBundleBytes int64
	logger         *slog.Logger
}

// NewAuditHandlers creates a new AuditHandlers instance.
func NewAuditHandlers(cfg AuditHandlersConfig) (*AuditHandlers, error) {
	if cfg.Recorder == nil || cfg.Service == nil || cfg.Repository == nil {
		return nil, ErrMissingDependency
	}
	h := &AuditHandlers{
		recorder:       cfg.Recorder,
		service:        cfg.Service,
		repo:           cfg.Repository,
		flat:           cfg.FlatStore,
		broadcaster:    cfg.Broadcaster,
		artifacts:      cfg.Artifacts,
		compliance:     cfg.ComplianceMiddleware,
		appendWrap:     cfg.AppendMiddleware,
		allowedOrigins: cfg.AllowedOrigins,
		maxBodyBytes:   cfg.MaxBodyBytes,
		maxBundleBytes: cfg.MaxBundleBytes,
		logger:         cfg.Logger,
	}
	if h.compliance == nil {
		h.compliance = passThrough
	}
	if h.appendWrap == nil {
		h.appendWrap = passThrough
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = DefaultMaxBodyBytes
	}
	if h.maxBundleBytes <= 0 {
		h.maxBundleBytes = DefaultMaxBundleBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// Register mounts every audit route on mux.
func (h *AuditHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/audit/events", h.RecordEvent)
	mux.HandleFunc("/audit/scopes", h.ListScopes)
	mux.HandleFunc("/audit/scopes/", h.ScopeRoutes)
	mux.HandleFunc("/audit/bundles/verify", h.VerifyBundle)
	mux.HandleFunc("/audit/actors/", h.ActorEvents)
}

// RecordEventResponse is returned by POST /audit/events and
// POST /audit/scopes/{scope}/entries.
type RecordEventResponse struct {
	ID        string      `json:"id"`
	ScopeID   string      `json:"scope_id,omitempty"`
	Sequence  int64       `json:"sequence_number,omitempty"`
	EntryHash *audit.Hash `json:"entry_hash,omitempty"`
	CreatedAt *time.Time  `json:"created_at,omitempty"`
	Chained   bool        `json:"chained"`
}

// ActorEvent is one event in an actor's history. Chained events carry their
// scope, sequence number and entry hash.
type ActorEvent struct {
	ID           string              `json:"id"`
	Chained      bool                `json:"chained"`
	ScopeID      string              `json:"scope_id,omitempty"`
	Sequence     int64               `json:"sequence_number,omitempty"`
	EventType    audit.EventType     `json:"event_type"`
	ResourceType audit.ResourceType  `json:"resource_type,omitempty"`
	ResourceID   string              `json:"resource_id,omitempty"`
	ActorID      string              `json:"actor_id,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	Client       audit.ClientContext `json:"client_context"`
	CreatedAt    time.Time           `json:"created_at"`
	EntryHash    *audit.Hash         `json:"entry_hash,omitempty"`
}

// HeadResponse is returned by GET /audit/scopes/{scope}/head.
type HeadResponse struct {
	ScopeID   string     `json:"scope_id"`
	Sequence  int64      `json:"sequence_number"`
	HeadHash  audit.Hash `json:"head_hash"`
	CreatedAt time.Time  `json:"created_at"`
}

// RecordEvent handles POST /audit/events. Events with a scope_id are
// chained; events without one go to the flat log.
func (h *AuditHandlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	h.appendWrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req audit.Request
		if !h.decodeBody(w, r, &req, false) {
			return
		}
		h.record(w, r, req)
	})).ServeHTTP(w, r)
}

func passThrough(next http.Handler) http.Handler { return next }

// ScopeRoutes dispatches every route below /audit/scopes/.
func (h *AuditHandlers) ScopeRoutes(w http.ResponseWriter, r *http.Request) {
	// Expected: /audit/scopes/{scope}/{action}[/{sequence}]
	pathParts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/audit/scopes/"), "/")
	if len(pathParts) < 2 || len(pathParts) > 3 || pathParts[0] == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
		return
	}
	scopeID, err := url.PathUnescape(pathParts[0])
	if err == nil {
		scopeID, err = validate.ScopeID(scopeID)
	}
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid scope ID in path")
		return
	}

	switch {
	case len(pathParts) == 2 && pathParts[1] == "entries":
		if allowMethod(w, r, http.MethodPost) {
			h.appendWrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h.appendEntry(w, r, scopeID)
			})).ServeHTTP(w, r)
		}
	case len(pathParts) == 3 && pathParts[1] == "entries":
		if allowMethod(w, r, http.MethodGet) {
			h.getEntry(w, r, scopeID, pathParts[2])
		}
	case len(pathParts) == 2 && pathParts[1] == "head":
		if allowMethod(w, r, http.MethodGet) {
			h.head(w, r, scopeID)
		}
	case len(pathParts) == 2 && pathParts[1] == "verify":
		if allowMethod(w, r, http.MethodPost) {
			h.compliance(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h.verify(w, r, scopeID)
			})).ServeHTTP(w, r)
		}
	case len(pathParts) == 2 && pathParts[1] == "export":
		if allowMethod(w, r, http.MethodPost) {
			h.compliance(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h.export(w, r, scopeID)
			})).ServeHTTP(w, r)
		}
	case len(pathParts) == 2 && pathParts[1] == "stream":
		if allowMethod(w, r, http.MethodGet) {
			h.stream(w, r, scopeID)
		}
	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	}
}

// appendEntry handles POST /audit/scopes/{scope}/entries.
func (h *AuditHandlers) appendEntry(w http.ResponseWriter, r *http.Request, scopeID string) {
	var req audit.Request
	if !h.decodeBody(w, r, &req, false) {
		return
	}
	if req.ScopeID != "" && req.ScopeID != scopeID {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "scope_id in body does not match the path")
		return
	}
	req.ScopeID = scopeID
	h.record(w, r, req)
}

func (h *AuditHandlers) record(w http.ResponseWriter, r *http.Request, req audit.Request) {
	req = audit.WithHTTPRequest(r, req)
	entry, id, err := h.recorder.RecordEntry(r.Context(), req)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}

	resp := RecordEventResponse{ID: id}
	if entry != nil {
		resp.ScopeID = entry.ScopeID
		resp.Sequence = entry.Sequence
		resp.EntryHash = &entry.EntryHash
		resp.CreatedAt = &entry.CreatedAt
		resp.Chained = true
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// getEntry handles GET /audit/scopes/{scope}/entries/{sequence}.
func (h *AuditHandlers) getEntry(w http.ResponseWriter, r *http.Request, scopeID, rawSeq string) {
	seq, err := strconv.ParseInt(rawSeq, 10, 64)
	if err != nil || seq < 1 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Sequence number must be a positive integer")
		return
	}

	entry, err := h.service.Entry(r.Context(), scopeID, seq)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}

// head handles GET /audit/scopes/{scope}/head.
func (h *AuditHandlers) head(w http.ResponseWriter, r *http.Request, scopeID string) {
	tail, err := h.service.Head(r.Context(), scopeID)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, HeadResponse{
		ScopeID:   scopeID,
		Sequence:  tail.Sequence,
		HeadHash:  tail.Hash,
		CreatedAt: tail.CreatedAt,
	})
}

// ListScopes handles GET /audit/scopes.
func (h *AuditHandlers) ListScopes(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	scopes, err := h.repo.Scopes(r.Context())
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	if scopes == nil {
		scopes = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"scopes": scopes})
}

// ActorEvents handles GET /audit/actors/{actor}/events?limit=N and returns
// the actor's chained and scope-less events merged, newest first.
func (h *AuditHandlers) ActorEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/audit/actors/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] != "events" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
		return
	}
	actorID, err := url.PathUnescape(pathParts[0])
	if err != nil || actorID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid actor ID in path")
		return
	}

	limit := DefaultActorEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxActorEventsLimit)
	}

	chained, err := h.repo.QueryByActor(r.Context(), actorID, limit)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	var flat []*audit.FlatEvent
	if h.flat != nil {
		flat, err = h.flat.QueryByActor(r.Context(), actorID, limit)
		if err != nil {
			writeAuditError(w, r, &audit.StorageError{Op: "flat query", Err: err})
			return
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"actor_id": actorID,
		"events":   mergeActorEvents(chained, flat, limit),
	})
}

// mergeActorEvents interleaves both newest-first lists by created_at. On
// equal timestamps chained entries come first.
func mergeActorEvents(chained []*audit.Entry, flat []*audit.FlatEvent, limit int) []ActorEvent {
	events := make([]ActorEvent, 0, min(len(chained)+len(flat), limit))
	i, j := 0, 0
	for len(events) < limit && (i < len(chained) || j < len(flat)) {
		if j == len(flat) || (i < len(chained) && !chained[i].CreatedAt.Before(flat[j].CreatedAt)) {
			e := chained[i]
			hash := e.EntryHash
			events = append(events, ActorEvent{
				ID:           e.ID,
				Chained:      true,
				ScopeID:      e.ScopeID,
				Sequence:     e.Sequence,
				EventType:    e.EventType,
				ResourceType: e.ResourceType,
				ResourceID:   e.ResourceID,
				ActorID:      e.ActorID,
				Metadata:     e.Metadata,
				Client:       e.Client,
				CreatedAt:    e.CreatedAt,
				EntryHash:    &hash,
			})
			i++
			continue
		}
		ev := flat[j]
		events = append(events, ActorEvent{
			ID:           ev.ID,
			EventType:    ev.EventType,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			ActorID:      ev.ActorID,
			Metadata:     ev.Metadata,
			Client:       ev.Client,
			CreatedAt:    ev.CreatedAt,
		})
		j++
	}
	return events
}

// decodeBody decodes a JSON request body into v. Numbers are kept as
// json.Number so metadata is hashed without loss of precision. When
// allowEmpty is set an empty body leaves v untouched.
func (h *AuditHandlers) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodePayloadTooLarge)
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Request body too large")
			return false
		}
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

// allowMethod answers 405 unless r uses method.
func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeMethodNotAllowed)
	WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
