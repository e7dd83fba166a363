package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8600"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultServiceIssuer  = "creditledger"
	defaultRequestTimeout = 5 * time.Second
	defaultHistoryLimit   = 20
	maxWebhookBodyBytes   = 1 << 20
)

// Config aggregates runtime settings for the HTTP facade.
type Config struct {
	ListenAddr         string
	WebhookSecret      string
	ServiceTokenKey    string
	ServiceTokenIssuer string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	HistoryLimit       int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.ServiceTokenIssuer = defaultIfEmpty(cfg.ServiceTokenIssuer, defaultServiceIssuer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if strings.TrimSpace(cfg.ServiceTokenKey) == "" {
		return fmt.Errorf("service token key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
