package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// RequestSizeLimitMiddleware limits the size of request bodies. A limit of
// zero or less leaves the body untouched.
func RequestSizeLimitMiddleware(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 with the usual error body
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			slog.Error("Panic while serving request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method, "path", r.URL.Path, "panic", rec)

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Error: "An internal server error occurred"})
		}()

		next.ServeHTTP(w, r)
	})
}
