// Package compute defines the contract over a container daemon (C2)
// and the types shared between its implementations: the Docker-backed
// adapter (docker.go) and the in-memory fake used by tests (fake.go).
//
// Modeled as tagged polymorphism behind a narrow interface, per the
// design note against leaking daemon-specific types into the Sandbox
// Lifecycle: nothing here imports github.com/docker/docker's types.
package compute

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes a container to create. No host bind-mounts
// are ever attached; the field set intentionally has no such option.
type ContainerSpec struct {
	Name         string
	Image        string
	Command      []string
	Workdir      string // defaults to /src if empty
	Env          map[string]string
	PortBindings map[int]int // container port -> host port
	HostIP       string      // defaults to 0.0.0.0 if empty
	Memory       int64       // bytes, 0 = adapter default
	NanoCPUs     int64       // 0 = adapter default
	PidsLimit    int64       // 0 = adapter default
}

// MutationResult is the outcome of an exec call.
type MutationResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Adapter is the contract a Sandbox Lifecycle drives. Implementations
// must return errors from the taxonomy in internal/errs (wrapped with
// %w) so callers can use errors.Is without depending on this package's
// concrete error values.
type Adapter interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Exec(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (MutationResult, error)
	UploadTar(ctx context.Context, id, destPath string, tar io.Reader) error
	DownloadTar(ctx context.Context, id, srcPath string) (io.ReadCloser, error)
}
