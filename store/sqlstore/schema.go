package sqlstore

import (
	"context"
	"fmt"
)

// schema is valid in both SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_name TEXT,
		group_name TEXT,
		account TEXT,
		name TEXT,
		queue TEXT,
		exit_status BIGINT,
		start_time TEXT,
		end_time TEXT,
		attributes_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		resource_id TEXT NOT NULL REFERENCES resources(id),
		datetime TEXT NOT NULL,
		amount BIGINT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		comment TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_allocations_project_resource
		ON allocations(project_id, resource_id)`,
	`CREATE TABLE IF NOT EXISTS holds (
		id TEXT PRIMARY KEY,
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		datetime TEXT NOT NULL,
		amount BIGINT NOT NULL,
		comment TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		job_id TEXT REFERENCES jobs(id),
		user_id TEXT REFERENCES users(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_holds_allocation ON holds(allocation_id)`,
	`CREATE TABLE IF NOT EXISTS charges (
		id TEXT PRIMARY KEY,
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		datetime TEXT NOT NULL,
		amount BIGINT NOT NULL,
		comment TEXT,
		job_id TEXT REFERENCES jobs(id),
		user_id TEXT REFERENCES users(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_charges_allocation ON charges(allocation_id)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		charge_id TEXT NOT NULL REFERENCES charges(id),
		datetime TEXT NOT NULL,
		amount BIGINT NOT NULL,
		comment TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refunds_charge ON refunds(charge_id)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
