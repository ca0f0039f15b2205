package gatewayserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router builds the chi mux spec.md §6 describes: the four /api/v0
// routes, a caller-DID rate limiter in front of every one of them, and
// chi's standard request-logging/recovery middleware the way the
// teacher's own HTTP entry points are wired.
func (g *Gateway) Router() (http.Handler, error) {
	limiter, err := newRateLimiter(DefaultRateLimit, DefaultBurst)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(limiter.middleware)

	r.Route("/api/v0", func(api chi.Router) {
		api.Get("/identify", g.IdentifyHandler)
		api.Get("/fetch", g.FetchHandler)
		api.Put("/push", g.PushHandler)
		api.Get("/replicate/{cid}", g.ReplicateHandler)
	})
	return r, nil
}
