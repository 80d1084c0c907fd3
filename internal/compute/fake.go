package compute

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"litterbox/internal/errs"
)

// Fake is an in-memory Adapter for unit tests that should not require
// a Docker daemon. It tracks container lifecycle state and a tiny
// virtual filesystem per container, enough to exercise the Sandbox
// Lifecycle's rollback ladder and the Tool Dispatcher's shell-backed
// primitives without touching a real container runtime.
type Fake struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	names      map[string]string // container name -> id, for NameConflict detection
	nextID     int

	// ExecFunc, when set, overrides the default exec behaviour (which
	// returns exit 0 with no output and does not record the call) for
	// scripted shell responses in tests.
	ExecFunc func(argv []string, workdir string) MutationResult
}

type fakeContainer struct {
	name    string
	image   string
	env     map[string]string
	paused  bool
	removed bool
	files   map[string][]byte // path -> contents
}

// NewFake returns an empty Fake, with the given image refs already
// available (as if pulled).
func NewFake(images ...string) *Fake {
	avail := make(map[string]bool, len(images))
	for _, ref := range images {
		avail[ref] = true
	}
	return &Fake{
		images:     avail,
		containers: make(map[string]*fakeContainer),
		names:      make(map[string]string),
	}
}

func (f *Fake) EnsureImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.images == nil {
		f.images = make(map[string]bool)
	}
	f.images[ref] = true
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.names[spec.Name]; exists {
		return "", fmt.Errorf("create container %s: %w", spec.Name, errs.ErrNameConflict)
	}

	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		name:  spec.Name,
		image: spec.Image,
		env:   spec.Env,
		files: make(map[string][]byte),
	}
	f.names[spec.Name] = id
	return id, nil
}

func (f *Fake) get(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, fmt.Errorf("container %s: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.get(id)
	return err
}

func (f *Fake) Pause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if c.paused {
		return fmt.Errorf("pause %s: %w", id, errs.ErrAlreadyPaused)
	}
	c.paused = true
	return nil
}

func (f *Fake) Unpause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if !c.paused {
		return fmt.Errorf("unpause %s: %w", id, errs.ErrNotPaused)
	}
	c.paused = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return fmt.Errorf("remove %s: %w", id, errs.ErrNotFound)
	}
	c.removed = true
	delete(f.names, c.name)
	return nil
}

func (f *Fake) Exec(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (MutationResult, error) {
	f.mu.Lock()
	_, err := f.get(id)
	fn := f.ExecFunc
	f.mu.Unlock()
	if err != nil {
		return MutationResult{}, err
	}
	if fn != nil {
		return fn(argv, workdir), nil
	}
	return MutationResult{ExitCode: 0}, nil
}

func (f *Fake) UploadTar(ctx context.Context, id, destPath string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("upload to %s:%s: %w", id, destPath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return fmt.Errorf("upload to %s:%s: %w", id, destPath, err)
		}
		c.files[destPath+"/"+hdr.Name] = buf.Bytes()
	}
	return nil
}

func (f *Fake) DownloadTar(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	found := false
	for path, data := range c.files {
		if len(path) >= len(srcPath) && path[:len(srcPath)] == srcPath {
			found = true
			hdr := &tar.Header{Name: path, Size: int64(len(data)), Mode: 0644}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("download from %s:%s: %w", id, srcPath, err)
			}
			if _, err := tw.Write(data); err != nil {
				return nil, fmt.Errorf("download from %s:%s: %w", id, srcPath, err)
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("download from %s:%s: %w", id, srcPath, errs.ErrPathMissing)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("download from %s:%s: %w", id, srcPath, err)
	}
	return io.NopCloser(&buf), nil
}
