package middleware

import (
	"github.com/go-chi/cors"
)

// CORS builds the go-chi/cors options for the game client origins. A "*"
// origin disables credentials, which browsers reject alongside a wildcard.
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}

	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After", "Content-Disposition"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
