package database

import (
	"fmt"
	"net/url"

	"github.com/forkline/notifier/internal/config"
)

// BuildConnString renders a pgx-compatible URL for the notifier state
// database. The password is query-escaped so punctuation-heavy secrets
// survive the URL form, and application_name is pinned so notifier sessions
// are identifiable in pg_stat_activity.
func BuildConnString(cfg config.DBConfig) string {
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&application_name=notifier",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		ssl,
	)
}
