package model

import (
	"time"

	"github.com/google/uuid"
)

// BuildJob is the build-kind sibling of Job: owns its own status field plus
// everything a CI dispatch needs that a plain command/script Job does not.
type BuildJob struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	Repository    string
	Branch        string
	Commit        string
	BuildType     string
	EnvVars       map[string]string
	Parameters    map[string]string
	Steps         []BuildStepSpec
	Tags          []string
	RetryOf       *uuid.UUID
	HasArtifacts  bool
	ArtifactCount int
	Status        JobStatus
	RunnerName    string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// BuildStepStatus is the closed lifecycle of a persisted build step.
type BuildStepStatus string

const (
	BuildStepPending   BuildStepStatus = "pending"
	BuildStepRunning   BuildStepStatus = "running"
	BuildStepSucceeded BuildStepStatus = "succeeded"
	BuildStepFailed    BuildStepStatus = "failed"
	BuildStepTimeout   BuildStepStatus = "timeout"
	BuildStepSkipped   BuildStepStatus = "skipped"
)

// BuildStep is the persisted, per-step record of a BuildJob's progress.
type BuildStep struct {
	ID           uuid.UUID
	BuildJobID   uuid.UUID
	StepID       string
	Name         string
	Status       BuildStepStatus
	ExitCode     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	OutputDetail string
	// nextOffset tracks the next expected chunk offset for reassembly;
	// chunks arriving ahead of it are buffered in the reorder queue.
	nextOffset int
	reorderBuf map[int]string
}

// AppendLogChunk reassembles out-of-order log chunks by offset, buffering at
// most 8 pending chunks (see SPEC_FULL.md supplemented feature #4). Every
// chunk that becomes contiguous is appended to OutputDetail in place.
func (s *BuildStep) AppendLogChunk(offset int, content string) {
	if s.reorderBuf == nil {
		s.reorderBuf = make(map[int]string)
	}
	if offset == s.nextOffset {
		s.OutputDetail += content
		s.nextOffset += len(content)
		for {
			next, ok := s.reorderBuf[s.nextOffset]
			if !ok {
				break
			}
			delete(s.reorderBuf, s.nextOffset)
			s.OutputDetail += next
			s.nextOffset += len(next)
		}
		return
	}
	if len(s.reorderBuf) >= 8 {
		// Reorder buffer exhausted: apply in place rather than drop silently,
		// accepting a possible gap; the runner is the source of truth for
		// the full log and this keeps the summary usable.
		s.OutputDetail += content
		return
	}
	s.reorderBuf[offset] = content
}

// Artifact belongs to a BuildJob.
type Artifact struct {
	ID            uuid.UUID
	BuildJobID    uuid.UUID
	Name          string
	Type          string
	Path          string
	SizeBytes     int64
	SHA256        string
	Version       string
	Metadata      map[string]interface{}
	IsPublic      bool
	DownloadCount int
	CreatedAt     time.Time
}

// ArtifactDownload is one recorded fetch of an Artifact.
type ArtifactDownload struct {
	ID         uuid.UUID
	ArtifactID uuid.UUID
	DownloadedAt time.Time
	DownloaderID *uuid.UUID
}
