package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	stressDatabase = "escrow_stress"
	stressRole     = "escrow_tester"
	stressPassword = "escrow"
)

// InitLocalDatabase recreates the stress database on a PostgreSQL reachable
// at ESCROW_STRESS_PG_HOST (default 127.0.0.1:5432) and returns a DSN owned
// by a dedicated role.
func InitLocalDatabase(ctx context.Context) (string, error) {
	host := os.Getenv("ESCROW_STRESS_PG_HOST")
	if host == "" {
		host = "127.0.0.1:5432"
	}

	admin, err := connectAdmin(ctx, host)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{stressRole}.Sanitize()
	database := pgx.Identifier{stressDatabase}.Sanitize()

	steps := []struct {
		what string
		sql  string
	}{
		{"create role", fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, stressPassword)},
		{"drop connections", fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, stressDatabase)},
		{"drop database", "DROP DATABASE IF EXISTS " + database},
		{"create database", fmt.Sprintf("CREATE DATABASE %s OWNER %s", database, role)},
	}
	for _, step := range steps {
		if _, err := admin.Exec(ctx, step.sql); err != nil {
			return "", fmt.Errorf("infra: %s: %w", step.what, err)
		}
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", stressRole, stressPassword, host, stressDatabase), nil
}

// connectAdmin tries the usual superuser credentials of a developer machine.
func connectAdmin(ctx context.Context, host string) (*pgx.Conn, error) {
	user := os.Getenv("USER")
	candidates := []string{
		"postgres://postgres@" + host + "/postgres?sslmode=disable",
		"postgres://postgres:postgres@" + host + "/postgres?sslmode=disable",
		"postgres://" + user + "@" + host + "/postgres?sslmode=disable",
	}

	var errs []error
	for _, dsn := range candidates {
		connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := pgx.Connect(connectCtx, dsn)
		cancel()
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("infra: no local PostgreSQL superuser at %s: %w", host, errors.Join(errs...))
}
