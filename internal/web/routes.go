package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	timeout := s.config.Database.Timeout

	// Create handlers
	authHandler := handlers.NewAuthHandler(s.deps.Registry, s.deps.Gateway, s.deps.Encoder,
		s.deps.Identities, timeout, s.logger)
	attendanceHandler := handlers.NewAttendanceHandler(s.deps.Ledger, timeout, s.logger)
	detectionHandler := handlers.NewDetectionHandler(s.deps.Detection, s.jobManager, s.logger)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/status", authHandler.Status)

		// Detection works anonymously; results are only logged for a session.
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAuth(s.deps.Gateway))

			r.Post("/detect", detectionHandler.Detect)
			r.Post("/detect/batch", detectionHandler.DetectBatch)
			r.Post("/detect/jobs", detectionHandler.StartBatchJob)
			r.Get("/detect/jobs/{jobId}", detectionHandler.GetJob)
			r.Get("/detect/jobs/{jobId}/events", detectionHandler.JobEvents)
			r.Delete("/detect/jobs/{jobId}", detectionHandler.CancelJob)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.deps.Gateway))

			r.Get("/me", authHandler.Me)

			r.Post("/attendance/check-in", attendanceHandler.CheckIn)
			r.Post("/attendance/check-out", attendanceHandler.CheckOut)
			r.Get("/attendance/today", attendanceHandler.Today)
			r.Get("/attendance/history", attendanceHandler.History)

			r.Get("/detections", detectionHandler.History)
			r.Get("/detections/stats", detectionHandler.Stats)
		})
	})
}
