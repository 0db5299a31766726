package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS restricts browser access to the monitoring surface. Dashboards
// only read snapshots and open the websocket, so the policy grants GET
// alone; the internal provisioning and dial routes are never called
// from a browser.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300, // Maximum value not ignored by any of major browsers
	})

	return c.Handler
}
