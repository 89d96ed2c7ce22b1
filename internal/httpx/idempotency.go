// Package httpx carries the ambient HTTP middleware this backend reuses
// unchanged from request to request: idempotency-keyed replay. It is
// adapted directly from the teacher's middleware.WithIdempotency
// (services/otc-gateway/middleware/idempotency.go); request authentication,
// rate limiting, and CSRF protection are explicitly out of scope (spec §1,
// §6: external collaborators in front of this service).
package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-custody/custody-gateway/models"
)

type idempotencyContextKey string

const contextKeyIdempotency idempotencyContextKey = "idempotency-key"

// WithIdempotency replays a previously recorded response for a request
// carrying the same Idempotency-Key header, and records the response of a
// first-time request for future replays (spec §5 supplement).
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.First(&record, "key = ?", key).Error; err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf,
			CreatedAt: time.Now(),
		}
		if payload.Status == 0 {
			payload.Status = http.StatusOK
		}
		_ = db.Create(&payload).Error
	})
}

type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}

// SerializeResponse renders v as the JSON string stored alongside an
// idempotency record.
func SerializeResponse(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
