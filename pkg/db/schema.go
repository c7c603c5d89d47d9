package db

// Schema defines the SQLite database schema for image builds.
// One row per build job; loop_device and mount_path hold what a build had
// bound when it last reported, so cleanup can release it after a crash.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    image_path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'building', 'bundling', 'uploading', 'ready', 'failed')),
    loop_device TEXT,
    mount_path TEXT,
    failed_channels TEXT,
    zip_path TEXT,
    s3_key TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_builds_job_id ON builds(job_id);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_created_at ON builds(created_at);
`

// Status constants
const (
	StatusPending   = "pending"
	StatusBuilding  = "building"
	StatusBundling  = "bundling"
	StatusUploading = "uploading"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// Build represents an image build record
type Build struct {
	ID             int64
	JobID          string
	ImagePath      string
	SizeBytes      int64
	Status         string
	LoopDevice     string
	MountPath      string
	FailedChannels []string
	ZipPath        string
	S3Key          string
	ErrorMessage   string
	CreatedAt      string
	UpdatedAt      string
}

// InProgress reports whether the build had not reached a final status
func (b *Build) InProgress() bool {
	return b.Status != StatusReady && b.Status != StatusFailed
}
