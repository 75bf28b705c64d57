package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// BreakersHandler lists circuit breaker snapshots, sorted by target.
func BreakersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": d.Breakers.Snapshots()})
	}
}

// BreakerResetHandler force-closes one breaker.
func BreakerResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := chi.URLParam(r, "target")
		d.Breakers.Reset(target)
		writeJSON(w, http.StatusOK, map[string]string{"target": target, "state": "closed"})
	}
}

// SessionGetHandler returns a session's history.
func SessionGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		sess, ok := d.Sessions.Get(key)
		if !ok {
			jsonError(w, "not_found", "no such session", http.StatusNotFound, nil)
			return
		}
		n := queryInt(r, "limit", 0)
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionKey": key,
			"length":     sess.Len(),
			"messages":   sess.History(n),
		})
	}
}

// SessionDeleteHandler evicts a session.
func SessionDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		d.Sessions.Delete(key)
		w.WriteHeader(http.StatusNoContent)
	}
}

// SessionsHandler reports the session store's size.
func SessionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"count": d.Sessions.Len()})
	}
}

// HeartbeatsHandler lists in-flight task activity records.
func HeartbeatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": d.Heartbeats.Snapshots()})
	}
}

// SpendHandler lists recent ledger records, newest first.
func SpendHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project_id")
		limit := queryInt(r, "limit", 50)
		recs, err := d.Ledger.RecentRecords(r.Context(), project, limit)
		if err != nil {
			d.Logger.Error("recent records failed", "error", err)
			jsonError(w, "internal", "ledger unavailable", http.StatusInternalServerError, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs})
	}
}

// StatsResponse is returned by /admin/v1/stats.
type StatsResponse struct {
	Global  any `json:"global"`
	ByModel any `json:"by_model"`
	ByTier  any `json:"by_tier"`
}

// StatsHandler returns windowed aggregates from the stats collector.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatsResponse{
			Global:  d.Stats.Global(),
			ByModel: d.Stats.Summary(),
			ByTier:  d.Stats.SummaryByTier(),
		})
	}
}

// TiersHandler lists configured tiers, cheapest first.
func TiersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tiers": d.Engine.Pool().ListTiers()})
	}
}

// KeyCreateRequest is the body for POST /admin/v1/apikeys.
type KeyCreateRequest struct {
	Name      string     `json:"name"`
	ProjectID string     `json:"project_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// KeysCreateHandler mints a new API key; the plaintext appears in this
// response and nowhere else.
func KeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "not_found", "api key management disabled", http.StatusNotFound, nil)
			return
		}
		var req KeyCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad_request", "bad json", http.StatusBadRequest, nil)
			return
		}
		if req.Name == "" {
			jsonError(w, "bad_request", "name required", http.StatusBadRequest, nil)
			return
		}
		plaintext, rec, err := d.Keys.Generate(r.Context(), req.Name, req.ProjectID, req.ExpiresAt)
		if err != nil {
			d.Logger.Error("key generation failed", "error", err)
			jsonError(w, "internal", "key generation failed", http.StatusInternalServerError, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": rec})
	}
}

// KeysListHandler lists key records (hashes excluded by the JSON tags).
func KeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "not_found", "api key management disabled", http.StatusNotFound, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keysOrEmpty(d, r)})
	}
}

func keysOrEmpty(d Dependencies, r *http.Request) any {
	recs, err := d.Keys.Store().List(r.Context())
	if err != nil {
		d.Logger.Error("key list failed", "error", err)
		return []any{}
	}
	return recs
}

// KeysRotateHandler replaces a key's secret.
func KeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "not_found", "api key management disabled", http.StatusNotFound, nil)
			return
		}
		plaintext, err := d.Keys.Rotate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			jsonError(w, "not_found", err.Error(), http.StatusNotFound, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
	}
}

// KeysRevokeHandler disables a key.
func KeysRevokeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "not_found", "api key management disabled", http.StatusNotFound, nil)
			return
		}
		if err := d.Keys.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, "not_found", err.Error(), http.StatusNotFound, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
