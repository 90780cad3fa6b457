package db

import (
	"database/sql"
	"time"
)

// =============================================================================
// Job Operations
// =============================================================================

const upsertJobQuery = `
	INSERT INTO jobs (name, schedule, command, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		schedule = excluded.schedule,
		command = excluded.command,
		updated_at = excluded.updated_at
`

// RegisterJob creates or updates the job row that fires reference
func (db *DB) RegisterJob(job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := db.Exec(upsertJobQuery, job.Name, job.Schedule, job.Command, job.UpdatedAt)
	return err
}

// GetJob retrieves a job by name
func (db *DB) GetJob(name string) (*Job, error) {
	job := &Job{}

	query := `
		SELECT name, schedule, command, updated_at
		FROM jobs
		WHERE name = ?
	`

	err := db.QueryRow(query, name).Scan(
		&job.Name,
		&job.Schedule,
		&job.Command,
		&job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return job, nil
}

// GetAllJobs retrieves every registered job ordered by name
func (db *DB) GetAllJobs() ([]Job, error) {
	query := `
		SELECT name, schedule, command, updated_at
		FROM jobs
		ORDER BY name
	`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.Name, &job.Schedule, &job.Command, &job.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// DeleteJob removes a job and, through the cascade, its fire history
func (db *DB) DeleteJob(name string) error {
	result, err := db.Exec(`DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
