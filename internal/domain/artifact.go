package domain

import "time"

// ArtifactFile is the head revision of one generated configuration file
// belonging to a config set.
type ArtifactFile struct {
	ConfigSetID string
	FileName    string
	Content     string
	Revision    int
	UpdatedAt   time.Time
}

// ArtifactRevision is one historical version of an artifact file. Writes
// append revisions rather than destroying history.
type ArtifactRevision struct {
	ID          string
	ConfigSetID string
	FileName    string
	Content     string
	Revision    int
	CreatedAt   time.Time
}
