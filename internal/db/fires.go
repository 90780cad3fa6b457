package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const insertFireQuery = `
	INSERT INTO fires (id, job_name, schedule, scheduled_at, started_at, completed_at, success, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const selectFireColumns = `
	SELECT id, job_name, schedule, scheduled_at, started_at, completed_at, success, error
	FROM fires
`

func fireArgs(fire *Fire) []any {
	if fire.ID == "" {
		fire.ID = uuid.NewString()
	}

	// Timestamps are stored in UTC so that they sort as text
	var completed *time.Time
	if fire.CompletedAt != nil {
		c := fire.CompletedAt.UTC()
		completed = &c
	}

	return []any{
		fire.ID,
		fire.Job,
		fire.Schedule,
		fire.ScheduledAt.UTC(),
		fire.StartedAt.UTC(),
		completed,
		fire.Success,
		fire.Error,
	}
}

// RecordFire stores a fire, assigning it an ID if it has none
func (db *DB) RecordFire(fire *Fire) error {
	_, err := db.Exec(insertFireQuery, fireArgs(fire)...)
	return err
}

// LastFire returns the most recent scheduled time recorded for a job.
// Returns ErrNotFound when the job has never fired.
func (db *DB) LastFire(job string) (time.Time, error) {
	var last time.Time

	query := `
		SELECT scheduled_at
		FROM fires
		WHERE job_name = ?
		ORDER BY scheduled_at DESC
		LIMIT 1
	`

	err := db.QueryRow(query, job).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}

	if err != nil {
		return time.Time{}, err
	}

	return last, nil
}

// RecentFires retrieves up to limit fires for a job, newest first
func (db *DB) RecentFires(job string, limit int) ([]Fire, error) {
	query := selectFireColumns + `
		WHERE job_name = ?
		ORDER BY scheduled_at DESC
		LIMIT ?
	`

	rows, err := db.Query(query, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fires []Fire
	for rows.Next() {
		var fire Fire
		err := rows.Scan(
			&fire.ID,
			&fire.Job,
			&fire.Schedule,
			&fire.ScheduledAt,
			&fire.StartedAt,
			&fire.CompletedAt,
			&fire.Success,
			&fire.Error,
		)
		if err != nil {
			return nil, err
		}
		fires = append(fires, fire)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if fires == nil {
		fires = []Fire{}
	}

	return fires, nil
}
