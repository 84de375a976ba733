package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/idempotency"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/model"
)

// IdempotencyKeyHeader carries the client-chosen key of a retryable POST.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// Idempotency returns middleware that replays the stored response of a POST
// carrying a previously seen X-Idempotency-Key. Responses with a status
// below 500 are stored for ttl; reusing a key with a different body is
// rejected with CONFLICT. When the store is unreachable the request runs
// without deduplication.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.FormatKey(subject, r.URL.Path, clientKey)
			hash := idempotency.HashInput(r.Method, r.URL.Path, body)
			log := observability.RequestLogger(r.Context(), logger)

			cached, found, err := store.Check(r.Context(), key, hash)
			switch {
			case model.IsCode(err, model.ErrConflict):
				WriteError(w, err)
				return
			case err != nil:
				log.Warn("idempotency check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			case found:
				metrics.RecordIdempotencyReplay()
				w.Header().Set("Idempotency-Replayed", "true")
				WriteJSON(w, cached.Status, cached.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError || !json.Valid(rec.body.Bytes()) {
				return
			}
			resp := idempotency.Response{Status: rec.status, Body: json.RawMessage(bytes.TrimSpace(rec.body.Bytes()))}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
