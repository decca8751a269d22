package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/visionwatch/internal/vision"
)

const RequestIDHeader = "X-Request-Id"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestID assigns every request an id, reusing a well-formed inbound
// X-Request-Id. The id is echoed on the response and carried on calls to the
// vision service.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := setRequestID(r.Context(), id)
		ctx = vision.ContextWithRequestID(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
