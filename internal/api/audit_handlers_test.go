package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/auditchain/internal/artifact"
	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/middleware"
)

// auditHarness wires the audit stack over an in-memory repository.
type auditHarness struct {
	repo        *audit.InMemoryRepository
	flat        *audit.InMemoryFlatStore
	broadcaster *audit.Broadcaster
	recorder    *audit.Recorder
	artifacts   *artifact.MemoryStore
	handlers    *AuditHandlers
	mux         *http.ServeMux
}

func newAuditHarness(t *testing.T, repo audit.Repository, mutate func(*AuditHandlersConfig)) *auditHarness {
	t.Helper()
	h := &auditHarness{
		flat:        audit.NewInMemoryFlatStore(),
		broadcaster: audit.NewBroadcaster(0, nil),
		artifacts:   artifact.NewMemoryStore(),
	}
	if repo == nil {
		h.repo = audit.NewInMemoryRepository()
		repo = h.repo
	}

	appenderCfg := audit.DefaultAppenderConfig()
	appenderCfg.Notifier = h.broadcaster
	appender, err := audit.NewAppender(repo, appenderCfg)
	if err != nil {
		t.Fatalf("NewAppender() error = %v", err)
	}
	verifier, err := audit.NewVerifier(repo, audit.VerifierConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	exporter, err := audit.NewExporter(repo, audit.ExporterConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	service, err := audit.NewService(repo, appender, verifier, exporter, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h.recorder, err = audit.NewRecorder(appender, h.flat, audit.RecorderConfig{StrictTaxonomy: true})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	cfg := AuditHandlersConfig{
		Recorder:    h.recorder,
		Service:     service,
		Repository:  repo,
		FlatStore:   h.flat,
		Broadcaster: h.broadcaster,
		Artifacts:   h.artifacts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.handlers, err = NewAuditHandlers(cfg)
	if err != nil {
		t.Fatalf("NewAuditHandlers() error = %v", err)
	}
	h.mux = http.NewServeMux()
	h.handlers.Register(h.mux)
	return h
}

func (h *auditHarness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:41000"
	req = req.WithContext(middleware.SetActorID(req.Context(), "gp-1"))
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

// seed chains n events into scopeID.
func (h *auditHarness) seed(t *testing.T, scopeID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.recorder.Record(context.Background(), audit.Request{
			ScopeID:      scopeID,
			EventType:    audit.EventDocumentViewed,
			ResourceType: audit.ResourceDocument,
			ResourceID:   "doc-1",
			ActorID:      "user-1",
			Metadata:     map[string]any{"index": i},
		})
		if err != nil {
			t.Fatalf("Record() #%d error = %v", i+1, err)
		}
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v, body: %s", err, w.Body.String())
	}
	return resp
}

func TestNewAuditHandlers_MissingDependencies(t *testing.T) {
	if _, err := NewAuditHandlers(AuditHandlersConfig{}); err != ErrMissingDependency {
		t.Errorf("NewAuditHandlers() error = %v, want %v", err, ErrMissingDependency)
	}
}

func TestRecordEvent_Chained(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	body := `{"scope_id":"org-1","event_type":"DOCUMENT_SIGNED","resource_type":"Document","resource_id":"doc-9","metadata":{"amount":9007199254740993,"pages":[1,2]}}`
	w := h.do(t, http.MethodPost, "/audit/events", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp RecordEventResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Chained || resp.ScopeID != "org-1" || resp.Sequence != 1 || resp.ID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	entry, err := h.repo.Get(context.Background(), "org-1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.EntryHash == nil || *resp.EntryHash != entry.EntryHash {
		t.Errorf("entry_hash = %v, want %s", resp.EntryHash, entry.EntryHash)
	}
	if entry.ActorID != "gp-1" {
		t.Errorf("ActorID = %q, want actor from context", entry.ActorID)
	}
	if entry.Client.IPAddress != "203.0.113.7" {
		t.Errorf("IPAddress = %q, want client address without port", entry.Client.IPAddress)
	}
	if got := entry.Metadata["amount"]; got != int64(9007199254740993) {
		t.Errorf("metadata amount = %v (%T), want exact int64", got, got)
	}
}

func TestRecordEvent_Flat(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	w := h.do(t, http.MethodPost, "/audit/events", `{"event_type":"USER_LOGIN","actor_id":"user-7"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp RecordEventResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Chained || resp.ID == "" || resp.EntryHash != nil {
		t.Errorf("unexpected response for flat event: %+v", resp)
	}

	w = h.do(t, http.MethodGet, "/audit/actors/user-7/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var events struct {
		ActorID string             `json:"actor_id"`
		Events  []*audit.FlatEvent `json:"events"`
	}
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(events.Events) != 1 || events.Events[0].ID != resp.ID {
		t.Errorf("actor events = %+v, want the recorded event", events.Events)
	}
}

func TestRecordEvent_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"invalid json", http.MethodPost, "{not json", http.StatusBadRequest, ErrCodeBadRequest},
		{"missing event type", http.MethodPost, `{"scope_id":"org-1"}`, http.StatusBadRequest, ErrCodeValidation},
		{"unknown event type", http.MethodPost, `{"scope_id":"org-1","event_type":"PIZZA_ORDERED"}`, http.StatusBadRequest, ErrCodeUnknownType},
		{"unknown resource type", http.MethodPost, `{"scope_id":"org-1","event_type":"USER_LOGIN","resource_type":"Pizza"}`, http.StatusBadRequest, ErrCodeUnknownType},
		{"metadata with NUL", http.MethodPost, `{"scope_id":"org-1","event_type":"USER_LOGIN","metadata":{"k":"a\u0000b"}}`, http.StatusBadRequest, ErrCodeEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAuditHarness(t, nil, nil)
			w := h.do(t, tt.method, "/audit/events", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
			if scopes, _ := h.repo.Scopes(context.Background()); len(scopes) != 0 {
				t.Errorf("rejected request created scopes %v", scopes)
			}
		})
	}
}

func TestRecordEvent_BodyTooLarge(t *testing.T) {
	h := newAuditHarness(t, nil, func(cfg *AuditHandlersConfig) { cfg.MaxBodyBytes = 64 })

	body := `{"scope_id":"org-1","event_type":"USER_LOGIN","metadata":{"note":"` + strings.Repeat("x", 200) + `"}}`
	w := h.do(t, http.MethodPost, "/audit/events", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodePayloadTooLarge {
		t.Errorf("expected code %s, got %s", ErrCodePayloadTooLarge, resp.Error.Code)
	}
}

func TestAppendEntry(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	for i := 1; i <= 2; i++ {
		w := h.do(t, http.MethodPost, "/audit/scopes/fund%2F7/entries", `{"event_type":"WIRE_CONFIRMED","resource_type":"Wire"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("append #%d: expected status 201, got %d: %s", i, w.Code, w.Body.String())
		}
		var resp RecordEventResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.ScopeID != "fund/7" || resp.Sequence != int64(i) {
			t.Errorf("append #%d: scope=%q seq=%d", i, resp.ScopeID, resp.Sequence)
		}
	}

	w := h.do(t, http.MethodPost, "/audit/scopes/org-1/entries", `{"scope_id":"org-2","event_type":"USER_LOGIN"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("mismatched scope: expected status 400, got %d", w.Code)
	}
}

func TestScopeRoutes_InvalidScopeID(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	for _, scope := range []string{"org%201", "org%0A1", "%ff"} {
		w := h.do(t, http.MethodGet, "/audit/scopes/"+scope+"/head", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("scope %q: expected status 400, got %d", scope, w.Code)
			continue
		}
		if resp := decodeError(t, w); resp.Error.Code != ErrCodeBadRequest {
			t.Errorf("scope %q: expected code %s, got %s", scope, ErrCodeBadRequest, resp.Error.Code)
		}
	}
}

func TestAppendMiddleware_WrapsAppendRoutesOnly(t *testing.T) {
	var wrapped []string
	h := newAuditHarness(t, nil, func(cfg *AuditHandlersConfig) {
		cfg.AppendMiddleware = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				wrapped = append(wrapped, r.URL.Path)
				next.ServeHTTP(w, r)
			})
		}
	})

	if w := h.do(t, http.MethodPost, "/audit/events", `{"scope_id":"org-1","event_type":"USER_LOGIN"}`); w.Code != http.StatusCreated {
		t.Fatalf("record: expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodPost, "/audit/scopes/org-1/entries", `{"event_type":"USER_LOGIN"}`); w.Code != http.StatusCreated {
		t.Fatalf("append: expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodGet, "/audit/scopes/org-1/head", ""); w.Code != http.StatusOK {
		t.Fatalf("head: expected status 200, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/audit/scopes/org-1/verify", ""); w.Code != http.StatusOK {
		t.Fatalf("verify: expected status 200, got %d", w.Code)
	}

	want := []string{"/audit/events", "/audit/scopes/org-1/entries"}
	if strings.Join(wrapped, ",") != strings.Join(want, ",") {
		t.Errorf("wrapped paths = %v, want %v", wrapped, want)
	}
}

func TestGetEntryAndHead(t *testing.T) {
	h := newAuditHarness(t, nil, nil)
	h.seed(t, "org-1", 3)

	w := h.do(t, http.MethodGet, "/audit/scopes/org-1/entries/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var entry audit.Entry
	if err := json.NewDecoder(w.Body).Decode(&entry); err != nil {
		t.Fatalf("failed to decode entry: %v", err)
	}
	if entry.Sequence != 2 || entry.ScopeID != "org-1" {
		t.Errorf("entry = %d/%s, want 2/org-1", entry.Sequence, entry.ScopeID)
	}

	w = h.do(t, http.MethodGet, "/audit/scopes/org-1/head", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var head HeadResponse
	if err := json.NewDecoder(w.Body).Decode(&head); err != nil {
		t.Fatalf("failed to decode head: %v", err)
	}
	tail, _, _ := h.repo.Tail(context.Background(), "org-1")
	if head.Sequence != 3 || head.HeadHash != tail.Hash {
		t.Errorf("head = %d/%s, want 3/%s", head.Sequence, head.HeadHash, tail.Hash)
	}

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantCode   string
	}{
		{"missing entry", http.MethodGet, "/audit/scopes/org-1/entries/99", http.StatusNotFound, ErrCodeNotFound},
		{"bad sequence", http.MethodGet, "/audit/scopes/org-1/entries/abc", http.StatusBadRequest, ErrCodeValidation},
		{"zero sequence", http.MethodGet, "/audit/scopes/org-1/entries/0", http.StatusBadRequest, ErrCodeValidation},
		{"empty scope head", http.MethodGet, "/audit/scopes/org-9/head", http.StatusNotFound, ErrCodeNotFound},
		{"unknown action", http.MethodGet, "/audit/scopes/org-1/rewrite", http.StatusNotFound, ErrCodeNotFound},
		{"too deep", http.MethodGet, "/audit/scopes/org-1/entries/1/x", http.StatusNotFound, ErrCodeNotFound},
		{"head wrong method", http.MethodDelete, "/audit/scopes/org-1/head", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"entry wrong method", http.MethodPut, "/audit/scopes/org-1/entries/1", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, tt.method, tt.target, "")
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestListScopes(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	w := h.do(t, http.MethodGet, "/audit/scopes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"scopes":[]`) {
		t.Errorf("empty listing should be an empty array, got %s", w.Body.String())
	}

	h.seed(t, "org-b", 1)
	h.seed(t, "org-a", 1)
	w = h.do(t, http.MethodGet, "/audit/scopes", "")
	var resp struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Scopes) != 2 || resp.Scopes[0] != "org-a" || resp.Scopes[1] != "org-b" {
		t.Errorf("scopes = %v, want [org-a org-b]", resp.Scopes)
	}
}

func TestActorEvents_MergesChainedAndFlat(t *testing.T) {
	h := newAuditHarness(t, nil, nil)
	h.seed(t, "org-1", 2)

	for _, body := range []string{
		`{"scope_id":"org-1","event_type":"DOCUMENT_SIGNED","resource_type":"Document","resource_id":"doc-9","actor_id":"user-9"}`,
		`{"event_type":"USER_LOGIN","actor_id":"user-9"}`,
		`{"scope_id":"org-2","event_type":"DOCUMENT_VIEWED","resource_type":"Document","resource_id":"doc-3","actor_id":"user-9"}`,
	} {
		if w := h.do(t, http.MethodPost, "/audit/events", body); w.Code != http.StatusCreated {
			t.Fatalf("record %s: status %d: %s", body, w.Code, w.Body.String())
		}
	}

	get := func(target string) []ActorEvent {
		t.Helper()
		w := h.do(t, http.MethodGet, target, "")
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d", target, w.Code)
		}
		var resp struct {
			ActorID string       `json:"actor_id"`
			Events  []ActorEvent `json:"events"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return resp.Events
	}

	events := get("/audit/actors/user-9/events")
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 chained and 1 flat: %+v", len(events), events)
	}
	var chained int
	for i, ev := range events {
		if ev.ActorID != "user-9" {
			t.Errorf("event %d actor = %q", i, ev.ActorID)
		}
		if ev.Chained {
			chained++
			if ev.ScopeID == "" || ev.Sequence == 0 || ev.EntryHash == nil {
				t.Errorf("chained event %d lacks its chain position: %+v", i, ev)
			}
		} else if ev.ScopeID != "" || ev.EntryHash != nil {
			t.Errorf("flat event %d carries chain fields: %+v", i, ev)
		}
		if i > 0 && ev.CreatedAt.After(events[i-1].CreatedAt) {
			t.Errorf("events are not newest first at %d", i)
		}
	}
	if chained != 2 {
		t.Errorf("chained events = %d, want 2", chained)
	}

	if got := get("/audit/actors/user-9/events?limit=2"); len(got) != 2 {
		t.Errorf("limit=2 returned %d events", len(got))
	}
	if got := get("/audit/actors/user-1/events"); len(got) != 2 || !got[0].Chained {
		t.Errorf("user-1 events = %+v, want the 2 seeded chained entries", got)
	}
}

func TestActorEvents_Validation(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	tests := []struct {
		target     string
		wantStatus int
	}{
		{"/audit/actors/user-1/events?limit=0", http.StatusBadRequest},
		{"/audit/actors/user-1/events?limit=abc", http.StatusBadRequest},
		{"/audit/actors/user-1", http.StatusNotFound},
		{"/audit/actors/user-1/events?limit=100000", http.StatusOK},
	}
	for _, tt := range tests {
		if w := h.do(t, http.MethodGet, tt.target, ""); w.Code != tt.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tt.target, tt.wantStatus, w.Code)
		}
	}
}

func TestComplianceMiddlewareWrapsVerifyAndExport(t *testing.T) {
	var wrapped []string
	h := newAuditHarness(t, nil, func(cfg *AuditHandlersConfig) {
		cfg.ComplianceMiddleware = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				wrapped = append(wrapped, r.URL.Path)
				next.ServeHTTP(w, r)
			})
		}
	})
	h.seed(t, "org-1", 2)

	h.do(t, http.MethodPost, "/audit/scopes/org-1/verify", "")
	h.do(t, http.MethodPost, "/audit/scopes/org-1/export", "")
	h.do(t, http.MethodGet, "/audit/scopes/org-1/head", "")

	if len(wrapped) != 2 || wrapped[0] != "/audit/scopes/org-1/verify" || wrapped[1] != "/audit/scopes/org-1/export" {
		t.Errorf("compliance middleware saw %v", wrapped)
	}
}

func TestDecodeBody_AllowEmpty(t *testing.T) {
	h := newAuditHarness(t, nil, nil)

	var req VerifyRequest
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	if !h.handlers.decodeBody(w, r, &req, true) {
		t.Fatalf("empty body rejected: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	if h.handlers.decodeBody(w, r, &req, false) {
		t.Error("empty body accepted when a body is required")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}
