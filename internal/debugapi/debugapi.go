// Package debugapi exposes a redacted, read-only view of the Refresh
// Registry over HTTP, routed with go-chi/chi/v5 — the teacher's domain
// stack never included an HTTP router of its own, so this is grounded on
// the rest of the example pack's use of chi for small introspection
// surfaces alongside a core library.
package debugapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	edge "github.com/flagedge/flagedge"
)

// tokenView is the redacted shape returned for each registry entry: the
// full secret never leaves this package.
type tokenView struct {
	Environment   string `json:"environment"`
	ProjectCount  int    `json:"project_count"`
	Wildcard      bool   `json:"wildcard"`
	FailureCount  int    `json:"failure_count"`
	FeatureCount  int    `json:"feature_count"`
	Revision      int    `json:"revision"`
	LastRefreshed string `json:"last_refreshed,omitempty"`
	SecretSuffix  string `json:"secret_suffix"`
}

// Router builds the debug API's http.Handler. Mount it under a path guarded
// by an operator-only network boundary — this package applies no auth of
// its own.
func Router(registry *edge.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/tokens", func(w http.ResponseWriter, req *http.Request) {
		snap := registry.Snapshot()
		views := make([]tokenView, 0, len(snap))
		for _, rec := range snap {
			views = append(views, toView(rec))
		}
		writeJSON(w, views)
	})

	r.Get("/environments/{env}/tokens", func(w http.ResponseWriter, req *http.Request) {
		env := chi.URLParam(req, "env")
		var views []tokenView
		for _, rec := range registry.Snapshot() {
			if rec.Token.Environment != env {
				continue
			}
			views = append(views, toView(rec))
		}
		writeJSON(w, views)
	})

	return r
}

func toView(rec edge.TokenRefresh) tokenView {
	view := tokenView{
		Environment:  rec.Token.Environment,
		ProjectCount: len(rec.Token.Projects),
		Wildcard:     rec.Token.IsWildcard(),
		FailureCount: rec.FailureCount,
		FeatureCount: rec.FeatureCount,
		Revision:     rec.Revision,
		SecretSuffix: suffix(rec.Token.Secret),
	}
	if !rec.LastRefreshed.IsZero() {
		view.LastRefreshed = rec.LastRefreshed.UTC().Format("2006-01-02T15:04:05Z")
	}
	return view
}

func suffix(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return "..." + secret[len(secret)-4:]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
