package opshttp

import (
	"net/http"

	"github.com/virtualspecs/tryon-web/internal/probe"
)

// probeHandler answers 200 with body when the probe passes, 503 with
// the failure reason otherwise. A nil probe always passes.
func probeHandler(p probe.Probe, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body + "\n"))
	}
}

func HealthzHandler(p probe.Probe) http.HandlerFunc { return probeHandler(p, "ok") }

func ReadyzHandler(p probe.Probe) http.HandlerFunc { return probeHandler(p, "ready") }
