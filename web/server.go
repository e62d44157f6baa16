package web

import (
	"os"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// NewServer creates and configures the RWeb server
func NewServer() *rweb.Server {
	s := rweb.NewServer(rweb.ServerOptions{
		Address: ":" + Port(),
		Verbose: true,
	})

	// Apply middleware
	s.Use(rweb.RequestInfo)
	s.Use(CorsMiddleware)
	s.Use(SecurityHeadersMiddleware)
	s.Use(JWTAuthMiddleware)
	s.Use(LoggingMiddleware)

	setupRoutes(s)

	return s
}

// Port returns the HTTP listen port, NAVIGATOR_PORT or 8000.
func Port() string {
	if port := os.Getenv("NAVIGATOR_PORT"); port != "" {
		return port
	}
	return "8000"
}

// Run starts the server
func Run(s *rweb.Server) error {
	logger.Info("Navigator server starting", "address", ":"+Port())
	return s.Run()
}
