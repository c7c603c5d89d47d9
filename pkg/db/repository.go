package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no build matches
var ErrNotFound = errors.New("build not found")

const buildColumns = `id, job_id, image_path, size_bytes, status,
       loop_device, mount_path, failed_channels, zip_path, s3_key, error_message, created_at, updated_at`

// Repository provides database operations for builds
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new build record
func (r *Repository) Create(ctx context.Context, b *Build) error {
	slog.Info("database_create_build", "job_id", b.JobID, "status", b.Status)

	query := `
		INSERT INTO builds (job_id, image_path, size_bytes, status, loop_device, mount_path,
		                    failed_channels, zip_path, s3_key, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		b.JobID, b.ImagePath, b.SizeBytes, b.Status, b.LoopDevice, b.MountPath,
		joinChannels(b.FailedChannels), b.ZipPath, b.S3Key, b.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "job_id", b.JobID, "error", err)
		return errors.Wrap(err, "failed to insert build")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "job_id", b.JobID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	b.ID = id

	slog.Info("database_build_created", "job_id", b.JobID, "build_id", b.ID, "status", b.Status)
	return nil
}

// GetByJobID retrieves a build by job id. It returns ErrNotFound when none exists.
func (r *Repository) GetByJobID(ctx context.Context, jobID string) (*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE job_id = ?`

	b, err := scanBuild(r.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		slog.Info("database_build_not_found", "job_id", jobID)
		return nil, fmt.Errorf("%w: job_id=%s", ErrNotFound, jobID)
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", jobID, "error", err)
		return nil, errors.Wrap(err, "failed to query build")
	}

	return b, nil
}

// Update updates an existing build record
func (r *Repository) Update(ctx context.Context, b *Build) error {
	slog.Info("database_update_build", "build_id", b.ID, "job_id", b.JobID, "status", b.Status)

	query := `
		UPDATE builds
		SET image_path = ?, size_bytes = ?, status = ?, loop_device = ?, mount_path = ?,
		    failed_channels = ?, zip_path = ?, s3_key = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		b.ImagePath, b.SizeBytes, b.Status, b.LoopDevice, b.MountPath,
		joinChannels(b.FailedChannels), b.ZipPath, b.S3Key, b.ErrorMessage, b.ID)
	if err != nil {
		slog.Error("database_update_failed", "build_id", b.ID, "job_id", b.JobID, "error", err)
		return errors.Wrap(err, "failed to update build")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "build_id", b.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_build_not_found_for_update", "build_id", b.ID)
		return fmt.Errorf("%w: id=%d", ErrNotFound, b.ID)
	}

	return nil
}

// UpdateStatus updates only the status and error message
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "build_id", id, "status", status)

	query := `UPDATE builds SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "build_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	return nil
}

// List retrieves builds, newest first. With statuses given only matching
// builds are returned.
func (r *Repository) List(ctx context.Context, statuses ...string) ([]*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list builds")
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "build_count", len(builds))
	return builds, nil
}

// Delete deletes a build by ID
func (r *Repository) Delete(ctx context.Context, id int64) error {
	slog.Info("database_delete_build", "build_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "build_id", id, "error", err)
		return errors.Wrap(err, "failed to delete build")
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*Build, error) {
	var b Build
	var loopDevice, mountPath, failedChannels, zipPath, s3Key, errorMessage sql.NullString

	err := row.Scan(
		&b.ID, &b.JobID, &b.ImagePath, &b.SizeBytes, &b.Status,
		&loopDevice, &mountPath, &failedChannels, &zipPath, &s3Key, &errorMessage,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	b.LoopDevice = loopDevice.String
	b.MountPath = mountPath.String
	b.FailedChannels = splitChannels(failedChannels.String)
	b.ZipPath = zipPath.String
	b.S3Key = s3Key.String
	b.ErrorMessage = errorMessage.String
	return &b, nil
}

func joinChannels(ids []string) string {
	return strings.Join(ids, ",")
}

func splitChannels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
