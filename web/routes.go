package web

import (
	"navigator/web/api"
	"navigator/web/pages"

	"github.com/rohanthewiz/rweb"
)

// setupRoutes configures all application routes
func setupRoutes(s *rweb.Server) {
	// Status dashboard - HTML
	s.Get("/", func(ctx rweb.Context) error {
		ctx.Response().SetHeader("Content-Type", "text/html; charset=utf-8")
		return ctx.WriteHTML(pages.StatusPage())
	})

	// Auth
	s.Post("/api/auth/register", api.Register)
	s.Post("/api/auth/login", api.Login)
	s.Get("/api/auth/me", api.RequireAuthThen(api.Me))

	// Addresses
	s.Get("/api/addresses", api.RequireAuthThen(api.ListAddresses))
	s.Get("/api/addresses/:guid", api.RequireAuthThen(api.GetAddress))
	s.Post("/api/addresses", api.RequireAuthThen(api.CreateAddress))
	s.Put("/api/addresses/:guid", api.RequireAuthThen(api.UpdateAddress))
	s.Delete("/api/addresses/:guid", api.RequireAuthThen(api.DeleteAddress))
	s.Post("/api/addresses/import", api.RequireAuthThen(api.ImportAddressList))

	// Completions
	s.Get("/api/completions", api.RequireAuthThen(api.ListCompletions))
	s.Post("/api/completions", api.RequireAuthThen(api.CreateCompletion))
	s.Put("/api/completions/:guid", api.RequireAuthThen(api.UpdateCompletion))
	s.Delete("/api/completions/:guid", api.RequireAuthThen(api.DeleteCompletion))

	// Arrangements
	s.Get("/api/arrangements", api.RequireAuthThen(api.ListArrangements))
	s.Post("/api/arrangements", api.RequireAuthThen(api.CreateArrangement))
	s.Put("/api/arrangements/:guid", api.RequireAuthThen(api.UpdateArrangement))
	s.Delete("/api/arrangements/:guid", api.RequireAuthThen(api.DeleteArrangement))

	// Day sessions
	s.Get("/api/sessions", api.RequireAuthThen(api.ListSessions))
	s.Post("/api/sessions", api.RequireAuthThen(api.CreateSession))
	s.Put("/api/sessions/:guid", api.RequireAuthThen(api.UpdateSession))

	// Sync - hub side
	s.Post("/api/sync/operations", api.RequireAuthThen(api.ApplyOperations))
	s.Get("/api/sync/snapshot", api.RequireAuthThen(api.GetSnapshot))
	s.Get("/api/sync/status", api.RequireAuthThen(api.GetSyncStatus))
	s.Get("/api/sync/conflicts", api.RequireAuthThen(api.ListConflicts))

	// Sync - device side control
	s.Get("/api/sync/client/status", api.RequireAuthThen(api.GetClientStatus))
	s.Post("/api/sync/client/trigger", api.RequireAuthThen(api.TriggerSync))
	s.Post("/api/sync/client/toggle", api.RequireAuthThen(api.ToggleSync))
	s.Post("/api/sync/guard/acquire", api.RequireAuthThen(api.AcquireGuard))
	s.Post("/api/sync/guard/release", api.RequireAuthThen(api.ReleaseGuard))
}
