package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes registers the health check and every /api route.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/api/posts", h.CreatePost).Methods("POST")
	r.HandleFunc("/api/posts", h.ListPosts).Methods("GET")
	r.HandleFunc("/api/posts/generate", h.GeneratePost).Methods("POST")
	r.HandleFunc("/api/posts/scheduled", h.ListScheduledPosts).Methods("GET")
	r.HandleFunc("/api/posts/{id:[0-9]+}", h.GetPost).Methods("GET")
	r.HandleFunc("/api/posts/{id:[0-9]+}", h.DeletePost).Methods("DELETE")
	r.HandleFunc("/api/posts/{id:[0-9]+}/schedule", h.CancelSchedule).Methods("DELETE")
	r.HandleFunc("/api/posts/{id:[0-9]+}/publish", h.RepublishPost).Methods("POST")
	r.HandleFunc("/api/posts/{id:[0-9]+}/generations", h.ListPostGenerations).Methods("GET")

	r.HandleFunc("/api/ai/analyze-style", h.AnalyzeStyle).Methods("POST")

	r.HandleFunc("/api/settings", h.GetSettings).Methods("GET")
	r.HandleFunc("/api/settings", h.SaveSettings).Methods("POST")

	// LinkedIn connection (simulated)
	r.HandleFunc("/api/auth/linkedin/connect", h.LinkedInConnect).Methods("GET")
	r.HandleFunc("/api/linkedin/status", h.LinkedInStatus).Methods("GET")

	r.HandleFunc("/api/events/ws", h.EventsWebSocket).Methods("GET")
}
