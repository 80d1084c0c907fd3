// Package errs defines the closed error taxonomy shared by every
// litterbox component. Adapters wrap their failures with one of these
// sentinels using %w, and the Sandbox Lifecycle adds its own context on
// top, so callers can use errors.Is without depending on
// adapter-specific types.
package errs

import "errors"

var (
	ErrInvalidName       = errors.New("invalid name")
	ErrNameConflict      = errors.New("name conflict")
	ErrDaemonUnavailable = errors.New("container daemon unavailable")
	ErrImageUnavailable  = errors.New("image unavailable")
	ErrRepositoryFailure = errors.New("repository failure")
	ErrPortsExhausted    = errors.New("ports exhausted")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrDiffNotApplicable = errors.New("diff not applicable")
	ErrSetupFailed       = errors.New("setup command failed")

	// ErrSandboxNotFound is the C6-facing spelling of ErrNotFound used
	// when the dispatcher cannot resolve a sandbox slug.
	ErrSandboxNotFound  = errors.New("sandbox not found")
	ErrPathMustBeAbs    = errors.New("path must be absolute")
	ErrAlreadyPaused    = errors.New("already paused")
	ErrNotPaused        = errors.New("not paused")
	ErrBranchExists     = errors.New("branch exists")
	ErrBranchMissing    = errors.New("branch missing")
	ErrBaseMissing      = errors.New("base ref missing")
	ErrRefMissing       = errors.New("ref missing")
	ErrNoHead           = errors.New("no HEAD")
	ErrPathMissing      = errors.New("path missing")
	ErrPortConflict     = errors.New("port conflict")
)
