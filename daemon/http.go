package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rustyeddy/riskguard/lockout"
)

// Handler is the read-only status surface. There are no mutating routes;
// lockouts cannot be lifted over HTTP.
func (c *StateCore) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(c.logRequests)

	r.Handle("/metrics", c.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", c.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/stats", c.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/lockout", c.handleLockout).Methods(http.MethodGet)
	r.HandleFunc("/timers/{id}", c.handleTimer).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (c *StateCore) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		c.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.code).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (c *StateCore) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := c.Lockouts.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"active_lockouts":     st.Active,
		"unpersisted":         st.Unpersisted,
		"pending_deletes":     st.PendingDeletes,
		"pending_enforcement": len(c.Dispatcher.Pending("")),
		"timers":              c.Timers.Len(),
		"rules":               len(c.Coordinator.Rules()),
	})
}

func (c *StateCore) handleStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !c.accounts[id] {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + id})
		return
	}
	writeJSON(w, http.StatusOK, c.GetStats(r.Context(), id))
}

type lockoutResponse struct {
	Key     string       `json:"key"`
	Locked  bool         `json:"locked"`
	Lockout *LockoutView `json:"lockout,omitempty"`
}

func (c *StateCore) handleLockout(w http.ResponseWriter, r *http.Request) {
	k := lockout.SymbolKey(mux.Vars(r)["id"], r.URL.Query().Get("symbol"))
	resp := lockoutResponse{Key: k.String()}
	if info, ok := c.GetLockoutInfo(k); ok {
		v := lockoutView(info)
		resp.Locked = true
		resp.Lockout = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *StateCore) handleTimer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	left, ok := c.GetRemainingTime(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no timer " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                id,
		"remaining":         left.String(),
		"remaining_seconds": left.Seconds(),
	})
}
