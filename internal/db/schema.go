package db

import (
	"fmt"
	"time"
)

// Job is a configured schedule as last registered by the runner
type Job struct {
	Name      string
	Schedule  string
	Command   string
	UpdatedAt time.Time
}

// Fire records one occurrence of a job's schedule and the outcome of the
// command it triggered
type Fire struct {
	ID          string
	Job         string
	Schedule    string
	ScheduledAt time.Time
	StartedAt   time.Time
	CompletedAt *time.Time
	Success     bool
	Error       *string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		name       TEXT PRIMARY KEY,
		schedule   TEXT NOT NULL,
		command    TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fires (
		id           TEXT PRIMARY KEY,
		job_name     TEXT NOT NULL REFERENCES jobs(name) ON DELETE CASCADE,
		schedule     TEXT NOT NULL,
		scheduled_at TIMESTAMP NOT NULL,
		started_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		success      BOOLEAN NOT NULL DEFAULT 0,
		error        TEXT,
		UNIQUE (job_name, scheduled_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fires_job_scheduled ON fires (job_name, scheduled_at)`,
}

// EnsureSchema creates the fire log tables if they do not exist yet
func (db *DB) EnsureSchema() error {
	return db.WithTransaction(func(tx *Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}
