package audit

import (
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/auditchain/internal/middleware"
)

// Request is what business code hands to the Recorder. ScopeID selects the
// chained log; an empty ScopeID routes the event to the flat log.
type Request struct {
	ScopeID      string         `json:"scope_id,omitempty"`
	EventType    EventType      `json:"event_type"`
	ResourceType ResourceType   `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
}

func (r Request) draft() Draft {
	return Draft{
		EventType:    r.EventType,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		ActorID:      r.ActorID,
		Metadata:     r.Metadata,
		Client: ClientContext{
			IPAddress: r.IPAddress,
			UserAgent: r.UserAgent,
		},
	}
}

// WithHTTPRequest fills the actor and client context of req from an HTTP
// request where the caller left them empty. The actor comes from the
// authenticated identity in the request context.
func WithHTTPRequest(hr *http.Request, req Request) Request {
	if req.ActorID == "" {
		req.ActorID = middleware.GetActorID(hr.Context())
	}
	if req.IPAddress == "" {
		req.IPAddress = ClientIP(hr)
	}
	if req.UserAgent == "" {
		req.UserAgent = hr.UserAgent()
	}
	return req
}

// ClientIP extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order.
// The port is stripped so the value is stable across connections.
func ClientIP(r *http.Request) string {
	// First IP in the chain is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return stripPort(first)
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}

	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// no port
		return addr
	}
	return host
}
