package domain

import "fmt"

// Stage tags a pipeline error with the step that produced it.
type Stage string

const (
	StageBuild        Stage = "build"
	StagePush         Stage = "push"
	StagePull         Stage = "pull"
	StageDeploy       Stage = "deploy"
	StageStaticUpload Stage = "static-upload"
)

// PipelineError is a stage-tagged failure surfaced by the deployment pipeline.
// The pipeline recovers nothing; the first PipelineError becomes the
// deployment's terminal Failure reason.
type PipelineError struct {
	Stage Stage
	Chall string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Chall, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with its originating stage and challenge name.
func NewPipelineError(stage Stage, chall string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Chall: chall, Err: err}
}

// GitError is the single error kind surfaced by repository operations.
// Callers convert it into HTTP responses but never retry automatically.
type GitError struct {
	Op  string // open, fetch, merge, commit, push
	Err error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// NewGitError wraps err with the git operation that failed.
func NewGitError(op string, err error) *GitError {
	return &GitError{Op: op, Err: err}
}
