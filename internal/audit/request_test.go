package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/auditchain/internal/middleware"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "X-Forwarded-For chain uses first hop",
			remoteAddr: "192.168.1.100:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.195, 198.51.100.178, 192.0.2.1"},
			want:       "203.0.113.195",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "192.168.1.100:12345",
			headers:    map[string]string{"X-Real-IP": "203.0.113.200"},
			want:       "203.0.113.200",
		},
		{
			name:       "X-Forwarded-For wins over X-Real-IP",
			remoteAddr: "192.168.1.100:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "203.0.113.2"},
			want:       "203.0.113.1",
		},
		{
			name:       "empty X-Forwarded-For entry falls through",
			remoteAddr: "192.168.1.100:12345",
			headers:    map[string]string{"X-Forwarded-For": " , 198.51.100.178"},
			want:       "192.168.1.100",
		},
		{
			name:       "RemoteAddr port stripped",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:       "RemoteAddr IPv6 with port",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "192.168.1.100",
			want:       "192.168.1.100",
		},
		{
			name:       "forwarded address with port",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7:5555"},
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithHTTPRequest(t *testing.T) {
	var got Request
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(middleware.SetActorID(r.Context(), "user-42"))
		got = WithHTTPRequest(r, Request{ScopeID: "org-1", EventType: EventDocumentDownloaded})
	}))

	req := httptest.NewRequest(http.MethodGet, "/documents/1", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.195, 198.51.100.178")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Test Browser)")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.ActorID != "user-42" {
		t.Errorf("ActorID = %q, want %q", got.ActorID, "user-42")
	}
	if got.IPAddress != "203.0.113.195" {
		t.Errorf("IPAddress = %q, want %q", got.IPAddress, "203.0.113.195")
	}
	if got.UserAgent != "Mozilla/5.0 (Test Browser)" {
		t.Errorf("UserAgent = %q", got.UserAgent)
	}
	if got.ScopeID != "org-1" || got.EventType != EventDocumentDownloaded {
		t.Errorf("request fields changed: %+v", got)
	}
}

func TestWithHTTPRequest_KeepsExplicitValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(middleware.SetActorID(req.Context(), "from-context"))
	req.Header.Set("User-Agent", "header-agent")

	got := WithHTTPRequest(req, Request{ActorID: "explicit", IPAddress: "198.51.100.1", UserAgent: "explicit-agent"})
	if got.ActorID != "explicit" || got.IPAddress != "198.51.100.1" || got.UserAgent != "explicit-agent" {
		t.Errorf("WithHTTPRequest() overwrote explicit values: %+v", got)
	}
}
