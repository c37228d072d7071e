package idempotency

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/xtrntr/energymarket/internal/logger"
)

// Header carries the client-chosen key
const Header = "Idempotency-Key"

// Middleware replays the stored 2xx response for a repeated key and rejects a
// repeat that arrives while the first request is still running. Keys are
// namespaced by scope, typically the account, and by method and path.
func Middleware(store Store, log *logger.Logger, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(Header)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := requestKey(scope(r), r, header)

			resp, reserved, err := store.Begin(ctx, key)
			if err != nil {
				log.ErrorContext(ctx, err, logger.NewField("idempotency_key", header))
				next.ServeHTTP(w, r)
				return
			}
			if resp != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(resp.Status)
				w.Write(resp.Body)
				return
			}
			if !reserved {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "a request with this idempotency key is in progress", "code": "conflict"}`))
				return
			}

			// the reservation is dropped unless a 2xx response is stored,
			// including when next panics
			stored := false
			defer func() {
				if stored {
					return
				}
				if err := store.Release(ctx, key); err != nil {
					log.ErrorContext(ctx, err, logger.NewField("idempotency_key", header))
				}
			}()

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 {
				return
			}
			if err := store.Complete(ctx, key, Response{Status: status, Body: body.Bytes()}); err != nil {
				log.ErrorContext(ctx, err, logger.NewField("idempotency_key", header))
				return
			}
			stored = true
		})
	}
}

func requestKey(scope string, r *http.Request, header string) string {
	return scope + ":" + r.Method + " " + r.URL.Path + ":" + header
}
