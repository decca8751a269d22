package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the id assigned by the RequestID middleware.
func GetRequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(requestIDKey).(string)
	return id, ok
}
