package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// maxKeyedBody bounds how much of a request body is read for keying.
const maxKeyedBody = 1 << 20

// requestKey derives the cache key from the Idempotency-Key header and the
// request body, so one key cannot replay across different payloads.
func requestKey(header string, body []byte) string {
	sum := sha256.Sum256(body)
	return header + ":" + hex.EncodeToString(sum[:8])
}

// Middleware returns an HTTP middleware that provides request idempotency.
// When a POST or PUT carries an Idempotency-Key header whose value has been
// seen before with the same body (and the cached entry has not expired), the
// cached response is replayed with an additional Idempotency-Replay: true
// header. The body is part of the key so a client that reuses a key for a
// different payload gets a fresh dispatch, not someone else's answer.
// Requests without the header pass through unchanged.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxKeyedBody))
				if err != nil {
					http.Error(w, "bad request body", http.StatusBadRequest)
					return
				}
				_ = r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			key = requestKey(key, body)

			// Return cached response if available.
			if e, ok := cache.Get(key); ok {
				for k, v := range e.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(e.Status)
				_, _ = w.Write(e.Body)
				return
			}

			// Capture the response so we can cache it.
			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			// Cache the captured response.
			hdrs := make(map[string]string)
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdrs[k] = v[0]
				}
			}
			cache.Set(key, rec.body.Bytes(), rec.statusCode, hdrs)
		})
	}
}

// responseRecorder wraps an http.ResponseWriter to capture the response body
// and status code while still writing to the original writer.
type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
