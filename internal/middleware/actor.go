package middleware

import (
	"net/http"

	"github.com/onnwee/auditchain/internal/validate"
)

// DefaultActorHeader carries the authenticated actor identity set by the gateway
// in front of the service.
const DefaultActorHeader = "X-Actor-ID"

// Actor copies the actor identity from a trusted gateway header into the
// request context. Requests without the header pass through unchanged, and
// oversized or non-printable values are ignored.
func Actor(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultActorHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actorID, err := validate.ActorID(r.Header.Get(header)); err == nil {
				r = r.WithContext(SetActorID(r.Context(), actorID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isPrintableToken reports whether s is at most max characters of printable
// ASCII.
func isPrintableToken(s string, max int) bool {
	_, err := validate.Identifier(s, validate.IdentifierConstraints{
		MaxLength:  max,
		ASCIIOnly:  true,
		AllowSpace: true,
	})
	return err == nil
}
