package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowmail/flowmail/internal/metrics"
)

// SetupRoutes configures the full route tree.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Delete("/", h.DeleteCampaign)
				r.Post("/recipients", h.AddRecipients)
				r.Post("/queue", h.QueueCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
				r.Post("/cancel", h.CancelCampaign)
				r.Post("/retry-failed", h.RetryFailedCampaign)
				r.Get("/status", h.CampaignStatus)
				r.Post("/complete-check", h.CompleteCheckCampaign)
			})
		})

		r.Route("/abtests", func(r chi.Router) {
			r.Post("/", h.CreateABTest)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetABTest)
				r.Post("/start", h.StartABTest)
				r.Post("/winner", h.SelectWinner)
				r.Get("/results", h.ABTestResults)
				r.Post("/events", h.RecordABTestEvent)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", h.ListWebhooks)
			r.Post("/", h.CreateWebhook)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetWebhook)
				r.Put("/", h.UpdateWebhook)
				r.Delete("/", h.DeleteWebhook)
				r.Post("/test", h.TestWebhook)
				r.Get("/deliveries", h.WebhookDeliveries)
				r.Get("/stats", h.WebhookStats)
			})
		})
		r.Post("/deliveries/{id}/retry", h.RetryDelivery)

		r.Get("/workers", h.WorkerStatus)

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", h.AllQueueStats)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/stats", h.QueueStats)
				r.Post("/pause", h.PauseQueue)
				r.Post("/resume", h.ResumeQueue)
				r.Post("/drain", h.DrainQueue)
				r.Route("/jobs/{jobID}", func(r chi.Router) {
					r.Get("/", h.GetJob)
					r.Post("/retry", h.RetryJob)
					r.Delete("/", h.RemoveJob)
				})
			})
		})
	})

	return r
}
