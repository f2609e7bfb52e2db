package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "X-Idempotency-Replayed"

	maxIdempotencyBodySize = 1 << 20
)

var errBodyTooLarge = errors.New("request body too large")

type cachedResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Idempotency replays the stored response for a request carrying an
// Idempotency-Key header that was already answered on the same route.
// Responses with a 5xx status are not cached so the caller can retry.
// Reusing a key with a different request body is rejected with 422.
func Idempotency(store idempotency.Store, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(IdempotencyKeyHeader)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := readBody(r)
			if errors.Is(err, errBodyTooLarge) {
				writeIdempotencyError(w, http.StatusRequestEntityTooLarge, err.Error(), "body_too_large")
				return
			}
			if err != nil {
				writeIdempotencyError(w, http.StatusBadRequest, "failed to read request body", "invalid_body")
				return
			}
			bodySum := sha256.Sum256(body)

			operation := "http:" + r.Method + " " + routePattern(r)
			key, err := idempotency.GenerateKey(operation, map[string]string{"path": r.URL.Path, "key": header})
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			payload := map[string]string{"path": r.URL.Path, "key": header, "body": hex.EncodeToString(bodySum[:])}
			payloadHash, err := idempotency.PayloadHash(payload)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			rec, err := store.Check(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("operation", operation).Msg("idempotency lookup failed, serving request")
			}
			if rec != nil && rec.PayloadHash != payloadHash {
				writeIdempotencyError(w, http.StatusUnprocessableEntity,
					"idempotency key reused with a different request body", "idempotency_key_reused")
				return
			}
			if rec != nil {
				var cached cachedResponse
				if err := json.Unmarshal(rec.Result, &cached); err == nil {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set(IdempotencyReplayedHeader, "true")
					w.WriteHeader(cached.Status)
					w.Write([]byte(cached.Body))
					return
				}
			}

			recorder := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= 500 || recorder.bodyTruncated {
				return
			}
			result, err := json.Marshal(cachedResponse{Status: recorder.statusCode, Body: recorder.body.String()})
			if err != nil {
				return
			}
			actor, _ := ActorID(r.Context())
			if _, err := store.Store(r.Context(), idempotency.StoreParams{
				Key:       key,
				Operation: operation,
				Payload:   payload,
				Result:    result,
				RequestID: chimw.GetReqID(r.Context()),
				ActorID:   actor,
				TTL:       ttl,
			}); err != nil {
				logger.Warn().Err(err).Str("operation", operation).Msg("failed to store idempotent response")
			}
		})
	}
}

// readBody drains the request body and puts it back for the handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBodySize+1))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(body) > maxIdempotencyBodySize {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeIdempotencyError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
