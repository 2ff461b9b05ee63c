package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies the message-table migrations to the tenant
// database and returns the number of applied versions
func RunMigrations(tenant *types.Tenant) (int, error) {
	if len(tenant.Extensions) == 0 {
		return 0, fmt.Errorf("tenant %s has no database extension: %w", tenant.ExternalID, types.ErrTenantDatabaseUnavailable)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to load migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(tenant.Extensions[0]))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare migrations: %w", err)
	}
	defer func() {
		if _, dbErr := m.Close(); dbErr != nil {
			log.WithTenantID(tenant.ExternalID).Warn().Err(dbErr).Msg("Failed to close migration connection")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	return int(version), nil
}

// CreatePartitions maintains the daily partitions of the message
// table: yesterday, today and the next daysAhead days, and prunes
// nothing (retention is the operator's concern)
func CreatePartitions(ctx context.Context, pool *Pool, daysAhead int) error {
	if daysAhead <= 0 {
		daysAhead = 3
	}

	for i := -1; i <= daysAhead; i++ {
		day := time.Now().UTC().AddDate(0, 0, i)
		from := day.Format("2006-01-02")
		to := day.AddDate(0, 0, 1).Format("2006-01-02")
		name := "messages_" + strings.ReplaceAll(from, "-", "_")

		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS realtime.%s PARTITION OF realtime.messages FOR VALUES FROM ('%s') TO ('%s')`,
			name, from, to,
		)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", name, err)
		}
	}
	return nil
}

// migrateURL rewrites the tenant DSN for the migration driver
func migrateURL(ext *types.TenantExtension) string {
	sslmode := "prefer"
	if ext.SSLEnforced {
		sslmode = "require"
	}
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(ext.User), url.QueryEscape(ext.Password), ext.Host, ext.Port, ext.DBName, sslmode)
}
