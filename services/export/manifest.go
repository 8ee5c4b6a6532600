package export

import (
	"time"
)

// ManifestVersion is written into every archive.
const ManifestVersion = "1"

// Manifest describes the documents contained in an export archive.
type Manifest struct {
	Version   string             `yaml:"version"`
	CreatedAt time.Time          `yaml:"created_at"`
	UserID    string             `yaml:"user_id"`
	Email     string             `yaml:"email,omitempty"`
	Encrypted bool               `yaml:"encrypted"`
	Documents []ManifestDocument `yaml:"documents"`
}

// ManifestDocument describes a single document within the archive.
type ManifestDocument struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name"`
	Type       string    `yaml:"type,omitempty"`
	Size       int64     `yaml:"size"`
	UploadDate time.Time `yaml:"upload_date"`
	Path       string    `yaml:"path"`
	SHA256     string    `yaml:"sha256"`
}
