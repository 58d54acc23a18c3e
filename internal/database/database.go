package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/nfrund/hookscript/internal/config"
	"github.com/surrealdb/surrealdb.go"
)

// DefaultConnectTimeout bounds connecting, signing in and selecting the
// namespace when the config leaves it unset
const DefaultConnectTimeout = 10 * time.Second

// NewDB connects to SurrealDB, signs in when a user is configured and
// selects the namespace and database. The whole handshake is bounded by
// cfg.DBConnectTimeout.
func NewDB(ctx context.Context, cfg *config.Config) (*surrealdb.DB, error) {
	timeout := cfg.DBConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := redactEndpoint(cfg.DBUrl)
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.DBUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb at %s: %w", endpoint, err)
	}

	if cfg.DBUser != "" {
		if _, err = db.SignIn(ctx, &surrealdb.Auth{Username: cfg.DBUser, Password: cfg.DBPass}); err != nil {
			db.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("failed to sign in to %s as %s: %w", endpoint, cfg.DBUser, err)
		}
	}

	if err = db.Use(ctx, cfg.DBNs, cfg.DBDb); err != nil {
		db.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to use %s/%s: %w", cfg.DBNs, cfg.DBDb, err)
	}

	slog.Info("Connected to SurrealDB", "endpoint", endpoint, "namespace", cfg.DBNs, "database", cfg.DBDb)
	return db, nil
}

// redactEndpoint drops credentials embedded in the URL before it is logged
func redactEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}
