package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/auth"
)

func SetupRoutes(handler *Handler, verifier *auth.Verifier, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggingMiddleware(log))

	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/video", func(r chi.Router) {
		if verifier != nil {
			r.Use(verifier.Middleware)
		}

		r.Post("/session/start", handler.StartSession)
		r.Get("/sessions", handler.ListSessions)

		r.Route("/session/{session_id}", func(r chi.Router) {
			r.Post("/prompt", handler.AddPrompt)
			r.Post("/propagate", handler.Propagate)
			r.Get("/status", handler.SessionStatus)
			r.Delete("/object/{object_id}", handler.RemoveObject)
			r.Post("/reset", handler.ResetSession)
			r.Delete("/", handler.CloseSession)
		})

		r.Post("/webrtc/stream/offer", handler.StartWebRTCStream)
		r.Post("/webrtc/stream/candidate", handler.HandleICECandidate)
		r.Post("/webrtc/stream/{session_id}/close", handler.CloseWebRTCStream)
	})

	// streaming endpoint stays outside the auth group: browsers cannot set
	// headers on websocket dials, tokens ride the query string instead
	r.Get("/ws/propagate/{session_id}", withQueryToken(verifier, handler.PropagateStream))

	return r
}

// withQueryToken validates a ?token= parameter when auth is enabled.
func withQueryToken(verifier *auth.Verifier, next http.HandlerFunc) http.HandlerFunc {
	if verifier == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Missing token", http.StatusUnauthorized)
			return
		}
		if _, err := verifier.ValidateToken(token); err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
