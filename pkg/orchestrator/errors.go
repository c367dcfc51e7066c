package orchestrator

import (
	"fmt"
)

// GitCloneError indicates the repository could not be cloned. Cause is
// sanitized before construction: it never contains the access token.
type GitCloneError struct {
	RepoSource string
	Cause      string
}

func (e *GitCloneError) Error() string {
	return fmt.Sprintf("failed to clone repository %s: %s", e.RepoSource, e.Cause)
}

// GitLFSError indicates LFS objects could not be fetched
type GitLFSError struct {
	Cause string
}

func (e *GitLFSError) Error() string {
	return fmt.Sprintf("failed to fetch Git LFS objects: %s", e.Cause)
}

// ArchiveExtractionError indicates the uploaded archive could not be
// unpacked into the workspace
type ArchiveExtractionError struct {
	Cause string
}

func (e *ArchiveExtractionError) Error() string {
	return fmt.Sprintf("failed to extract archive: %s", e.Cause)
}

// ProjectDetectionError indicates the project type could not be
// resolved to a supported framework
type ProjectDetectionError struct {
	Tag string
}

func (e *ProjectDetectionError) Error() string {
	if e.Tag == "" || e.Tag == "unknown" {
		return "could not detect the project type; make sure the project root contains a supported framework"
	}
	return fmt.Sprintf("project type %q is not supported", e.Tag)
}

// BuildStepError indicates a pipeline command failed
type BuildStepError struct {
	Command  string
	ExitCode int
	Cause    string
}

func (e *BuildStepError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("build step %q failed: %s", e.Command, e.Cause)
	}
	return fmt.Sprintf("build step %q exited with code %d", e.Command, e.ExitCode)
}
