// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
)

// Env holds the configuration values for the application.
type Env struct {
	DatabaseURL         string
	JWTSecret           string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string
	PublicHost          string
	Port                string
	UploadsDir          string
	ContractsDir        string
}

// MustLoad reads the environment variables and returns an Env struct.
func MustLoad() Env {
	e := Env{
		DatabaseURL:         must("DATABASE_URL"),
		JWTSecret:           must("JWT_SECRET"),
		StripeSecretKey:     must("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: must("STRIPE_WEBHOOK_SECRET"),
		StripeAPIBase:       get("STRIPE_API_BASE", "https://api.stripe.com"),
		PublicHost:          get("PUBLIC_HOST", "http://localhost:4000"),
		Port:                get("PORT", "4000"),
		UploadsDir:          get("UPLOADS_DIR", "uploads"),
		ContractsDir:        get("CONTRACTS_DIR", "contracts"),
	}
	return e
}

// get returns the value of the environment variable k or def if not set.
func get(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// must returns the value of the environment variable k or panics if not set.
func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic(fmt.Errorf("missing env %s", k))
	}
	return v
}
