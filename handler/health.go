package handler

import (
	"net/http"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/provider"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/redisclient"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

// HealthHandler serves the three observability endpoints named in §6:
// a bare liveness probe, a readiness probe that checks Redis and the
// rule store are loaded, and a detailed per-component breakdown.
type HealthHandler struct {
	redis     *redisclient.Client
	rules     *ruledb.Store
	providers *provider.Registry
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(redis *redisclient.Client, rules *ruledb.Store, providers *provider.Registry) *HealthHandler {
	return &HealthHandler{redis: redis, rules: rules, providers: providers}
}

// Healthz handles GET /healthz: a liveness probe that reports alive as
// long as the process is serving requests.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready: readiness requires Redis reachable and at
// least the rule store initialized (empty is fine — it means no seed
// data, not "not loaded").
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": "redis unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type componentStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Detailed handles GET /v1/health/detailed: per-component status
// matching §6's "health (basic and detailed with per-component status)".
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentStatus{}

	if err := h.redis.Ping(); err != nil {
		components["redis"] = componentStatus{Healthy: false, Detail: err.Error()}
	} else {
		components["redis"] = componentStatus{Healthy: true}
	}

	components["rule_store"] = componentStatus{Healthy: true, Detail: ruleStoreDetail(h.rules)}

	for name, status := range h.providers.HealthCheckAll(r.Context()) {
		detail := ""
		if status.Error != "" {
			detail = status.Error
		}
		components["provider:"+name] = componentStatus{Healthy: status.Healthy, Detail: detail}
	}

	overall := true
	for _, c := range components {
		if !c.Healthy {
			overall = false
			break
		}
	}

	status := http.StatusOK
	if !overall {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":    overall,
		"components": components,
	})
}

func ruleStoreDetail(store *ruledb.Store) string {
	n := len(store.List(ruledb.ListFilters{}, 0, 0))
	if n == 0 {
		return "no rules loaded"
	}
	return ""
}
