// Package sandbox implements the Sandbox Lifecycle (C5): the central
// orchestrator composing naming (C1), the compute adapter (C2), the
// repository adapter (C3), and the port allocator (C4) into
// create/pause/resume/delete/shell/upload/download with all-or-nothing
// creation semantics and in-process metadata tracking.
//
// Modeled after the registry/config shape of a template manager: a
// mutex-guarded map of records plus per-slug locks, with adapters
// injected rather than looked up ambiently.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"litterbox/internal/compute"
	"litterbox/internal/errs"
	"litterbox/internal/ports"
	"litterbox/internal/repo"
	"litterbox/internal/slug"
)

// Status is a SandboxRecord's lifecycle state.
type Status string

const (
	StatusCreating Status = "Creating"
	StatusActive   Status = "Active"
	StatusPaused   Status = "Paused"
	StatusError    Status = "Error"
)

// ForwardedPort is one reserved host port bound to a declared service.
type ForwardedPort struct {
	ServiceSlug   string
	ContainerPort int
	HostPort      int
	EnvVar        string
}

// Record is one live sandbox, identified by Slug.
type Record struct {
	Slug           string
	BranchName     string
	ContainerID    string
	ContainerName  string
	Status         Status
	ErrorMessage   string
	ForwardedPorts []ForwardedPort
	CreatedAt      time.Time
}

// Service declares one port a sandbox's setup exposes.
type Service struct {
	Name          string
	ContainerPort int
}

// CreateConfig is the create() input, per §4.5.
type CreateConfig struct {
	Image        string
	SetupCommand []string
	Services     []Service
}

// RepoContext is captured once at process start (§3).
type RepoContext struct {
	RepoRoot string
	RepoSlug string
	HeadRef  string
}

// Lifecycle is the C5 orchestrator. The record table, port allocator,
// and repository handle are process-scoped singletons created once
// and passed in explicitly; Lifecycle holds no ambient globals beyond
// its own fields.
type Lifecycle struct {
	log *zap.Logger

	compute compute.Adapter
	repo    repo.Adapter
	ports   *ports.Allocator
	portRng ports.Range
	repoCtx RepoContext

	mu      sync.Mutex
	records map[string]*Record
	locks   map[string]*sync.Mutex
}

// New constructs a Lifecycle. portRange defaults to ports.DefaultRange
// when zero-valued.
func New(log *zap.Logger, c compute.Adapter, r repo.Adapter, pa *ports.Allocator, repoCtx RepoContext, portRng ports.Range) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	if portRng == (ports.Range{}) {
		portRng = ports.DefaultRange
	}
	return &Lifecycle{
		log:     log,
		compute: c,
		repo:    r,
		ports:   pa,
		portRng: portRng,
		repoCtx: repoCtx,
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (l *Lifecycle) lockFor(slugName string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[slugName]
	if !ok {
		m = &sync.Mutex{}
		l.locks[slugName] = m
	}
	return m
}

// Get returns the record for slugName, or ErrSandboxNotFound.
func (l *Lifecycle) Get(slugName string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[slugName]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", slugName, errs.ErrSandboxNotFound)
	}
	cp := *r
	return &cp, nil
}

// List returns a snapshot of all known records.
func (l *Lifecycle) List() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, 0, len(l.records))
	for _, r := range l.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

const maxPortRetries = 5

// Create implements §4.5's rollback ladder: each completed step
// registers its inverse as a compensating action; on error the
// inverses run in reverse order (a scope guard, not exceptions).
func (l *Lifecycle) Create(ctx context.Context, name string, cfg CreateConfig) (*Record, error) {
	sandboxSlug, err := slug.Slugify(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	_, exists := l.records[sandboxSlug]
	l.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, errs.ErrNameConflict)
	}

	branch := slug.BranchName(sandboxSlug)
	containerName := slug.ContainerName(l.repoCtx.RepoSlug, sandboxSlug)

	services, err := l.slugifyServices(cfg.Services)
	if err != nil {
		return nil, err
	}

	var cleanups []func()
	rollback := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	hostPorts, err := l.ports.Reserve(len(services), l.portRng)
	if err != nil {
		for attempt := 1; attempt < maxPortRetries && err != nil; attempt++ {
			time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
			hostPorts, err = l.ports.Reserve(len(services), l.portRng)
		}
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", sandboxSlug, errs.ErrPortsExhausted)
		}
	}
	cleanups = append(cleanups, func() { l.ports.Release(hostPorts) })

	fwd := make([]ForwardedPort, len(services))
	env := make(map[string]string, len(services))
	portBindings := make(map[int]int, len(services))
	for i, svc := range services {
		fwd[i] = ForwardedPort{
			ServiceSlug:   svc.slug,
			ContainerPort: svc.containerPort,
			HostPort:      hostPorts[i],
			EnvVar:        slug.ServiceEnvVar(svc.slug),
		}
		env[fwd[i].EnvVar] = fmt.Sprintf("%d", hostPorts[i])
		portBindings[svc.containerPort] = hostPorts[i]
	}

	headRef, err := l.repo.HeadRef()
	if err != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w: %w", sandboxSlug, errs.ErrRepositoryFailure, err)
	}

	if err := l.repo.CreateBranch(branch, headRef); err != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, err)
	}
	cleanups = append(cleanups, func() { _ = l.repo.DeleteBranch(branch) })

	if err := l.compute.EnsureImage(ctx, cfg.Image); err != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, err)
	}

	spec := compute.ContainerSpec{
		Name:         containerName,
		Image:        cfg.Image,
		Workdir:      "/src",
		Env:          env,
		PortBindings: portBindings,
	}
	containerID, err := l.compute.CreateContainer(ctx, spec)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, err)
	}
	cleanups = append(cleanups, func() { _ = l.compute.Remove(context.Background(), containerID, true) })

	if err := l.compute.Start(ctx, containerID); err != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, err)
	}

	tree, err := l.repo.ExportTreeTar(headRef)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, err)
	}
	uploadErr := l.compute.UploadTar(ctx, containerID, "/src", tree)
	_ = tree.Close()
	if uploadErr != nil {
		rollback()
		return nil, fmt.Errorf("create %s: %w", sandboxSlug, uploadErr)
	}

	record := &Record{
		Slug:           sandboxSlug,
		BranchName:     branch,
		ContainerID:    containerID,
		ContainerName:  containerName,
		Status:         StatusCreating,
		ForwardedPorts: fwd,
		CreatedAt:      time.Now(),
	}

	if len(cfg.SetupCommand) > 0 {
		res, execErr := l.compute.Exec(ctx, containerID, cfg.SetupCommand, "/src", 0)
		if execErr != nil || res.ExitCode != 0 {
			// §9 open question 1 resolution: resources are retained,
			// not rolled back, so the operator can inspect. The
			// record is still registered, in Error{setup_failed}.
			record.Status = StatusError
			record.ErrorMessage = "setup_failed"
			l.mu.Lock()
			l.records[sandboxSlug] = record
			l.mu.Unlock()
			return nil, fmt.Errorf("create %s: %w", sandboxSlug, errs.ErrSetupFailed)
		}
	}

	record.Status = StatusActive
	l.mu.Lock()
	l.records[sandboxSlug] = record
	l.mu.Unlock()

	cp := *record
	return &cp, nil
}

type slugifiedService struct {
	slug          string
	containerPort int
}

func (l *Lifecycle) slugifyServices(services []Service) ([]slugifiedService, error) {
	out := make([]slugifiedService, 0, len(services))
	seen := make(map[string]bool, len(services))
	for _, s := range services {
		sv, err := slug.Slugify(s.Name)
		if err != nil {
			return nil, err
		}
		envVar := slug.ServiceEnvVar(sv)
		if seen[envVar] {
			return nil, fmt.Errorf("duplicate service env var %s: %w", envVar, errs.ErrNameConflict)
		}
		seen[envVar] = true
		out = append(out, slugifiedService{slug: sv, containerPort: s.ContainerPort})
	}
	return out, nil
}

// Pause is idempotent: Active -> Paused; Paused -> no-op success;
// absent -> ErrSandboxNotFound.
func (l *Lifecycle) Pause(ctx context.Context, sandboxSlug string) error {
	lock := l.lockFor(sandboxSlug)
	lock.Lock()
	defer lock.Unlock()

	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return err
	}
	if r.Status == StatusPaused {
		return nil
	}
	if err := l.compute.Pause(ctx, r.ContainerID); err != nil && errsIsNot(err, errs.ErrAlreadyPaused) {
		return fmt.Errorf("pause %s: %w", sandboxSlug, err)
	}

	l.mu.Lock()
	r.Status = StatusPaused
	l.mu.Unlock()
	return nil
}

// Resume mirrors Pause.
func (l *Lifecycle) Resume(ctx context.Context, sandboxSlug string) error {
	lock := l.lockFor(sandboxSlug)
	lock.Lock()
	defer lock.Unlock()

	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return err
	}
	if r.Status == StatusActive {
		return nil
	}
	if err := l.compute.Unpause(ctx, r.ContainerID); err != nil && errsIsNot(err, errs.ErrNotPaused) {
		return fmt.Errorf("resume %s: %w", sandboxSlug, err)
	}

	l.mu.Lock()
	r.Status = StatusActive
	l.mu.Unlock()
	return nil
}

// Delete removes the container, deletes the branch, releases ports,
// and drops the record. NotFound/BranchMissing during cleanup are
// benign and do not stop the remaining steps (idempotent delete).
func (l *Lifecycle) Delete(ctx context.Context, sandboxSlug string) error {
	lock := l.lockFor(sandboxSlug)
	lock.Lock()

	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		lock.Unlock()
		return err
	}
	rec := *r

	if err := l.compute.Remove(ctx, rec.ContainerID, true); err != nil && errsIsNot(err, errs.ErrNotFound) {
		l.mu.Lock()
		r.Status = StatusError
		r.ErrorMessage = err.Error()
		l.mu.Unlock()
		lock.Unlock()
		return fmt.Errorf("delete %s: %w", sandboxSlug, err)
	}

	if err := l.repo.DeleteBranch(rec.BranchName); err != nil && errsIsNot(err, errs.ErrBranchMissing) {
		l.mu.Lock()
		r.Status = StatusError
		r.ErrorMessage = err.Error()
		l.mu.Unlock()
		lock.Unlock()
		return fmt.Errorf("delete %s: %w", sandboxSlug, err)
	}

	hostPorts := make([]int, len(rec.ForwardedPorts))
	for i, fp := range rec.ForwardedPorts {
		hostPorts[i] = fp.HostPort
	}
	l.ports.Release(hostPorts)

	l.mu.Lock()
	delete(l.records, sandboxSlug)
	delete(l.locks, sandboxSlug)
	delete(l.locks, "mutation:"+sandboxSlug)
	l.mu.Unlock()
	lock.Unlock()
	return nil
}

// Shell runs argv inside the sandbox's container. Relative workdir
// resolves against /src.
func (l *Lifecycle) Shell(ctx context.Context, sandboxSlug string, argv []string, workdir string, timeout time.Duration) (compute.MutationResult, error) {
	lock := l.lockFor(sandboxSlug)
	lock.Lock()
	defer lock.Unlock()

	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return compute.MutationResult{}, err
	}
	wd := resolvePath(workdir)
	return l.compute.Exec(ctx, r.ContainerID, argv, wd, timeout)
}

// Upload extracts the tar stream tarData into sandboxPath inside the
// container (resolved against /src if relative). The caller supplies
// the tar stream; Upload does not package host files itself.
func (l *Lifecycle) Upload(ctx context.Context, sandboxSlug string, tarData io.Reader, sandboxPath string) error {
	lock := l.lockFor(sandboxSlug)
	lock.Lock()
	defer lock.Unlock()

	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return err
	}
	return l.compute.UploadTar(ctx, r.ContainerID, resolvePath(sandboxPath), tarData)
}

// Download retrieves a tar stream of sandboxPath from the container.
func (l *Lifecycle) Download(ctx context.Context, sandboxSlug, sandboxPath string) (io.ReadCloser, error) {
	lock := l.lockFor(sandboxSlug)
	lock.Lock()
	defer lock.Unlock()

	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return nil, err
	}
	return l.compute.DownloadTar(ctx, r.ContainerID, resolvePath(sandboxPath))
}

// ContainerIDFor exposes a sandbox's container id, used by the
// Snapshot Coordinator to pull container state without re-exporting
// the full Lifecycle surface.
func (l *Lifecycle) ContainerIDFor(sandboxSlug string) (string, error) {
	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return "", err
	}
	return r.ContainerID, nil
}

// BranchFor exposes a sandbox's branch name, for the same reason.
func (l *Lifecycle) BranchFor(sandboxSlug string) (string, error) {
	r, err := l.recordPtr(sandboxSlug)
	if err != nil {
		return "", err
	}
	return r.BranchName, nil
}

// Lock returns the sandbox's per-slug mutation lock, so the Tool
// Dispatcher can hold it across a mutation AND its subsequent snapshot
// (§5 ordering guarantee). It is a different mutex from the one Shell,
// Upload and Download take for each call, so its holder can still
// call them.
func (l *Lifecycle) Lock(sandboxSlug string) (*sync.Mutex, error) {
	if _, err := l.recordPtr(sandboxSlug); err != nil {
		return nil, err
	}
	return l.lockFor("mutation:" + sandboxSlug), nil
}

func (l *Lifecycle) recordPtr(sandboxSlug string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[sandboxSlug]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sandboxSlug, errs.ErrSandboxNotFound)
	}
	return r, nil
}

func resolvePath(p string) string {
	if p == "" {
		return "/src"
	}
	if p[0] == '/' {
		return p
	}
	return "/src/" + p
}

func errsIsNot(err, target error) bool {
	return !errors.Is(err, target)
}
