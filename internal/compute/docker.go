package compute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"litterbox/internal/errs"
)

// DockerAdapter implements Adapter against a real Docker daemon,
// mirroring the client construction, ensure-image, and exec/log
// patterns used for per-language execution containers elsewhere in
// this codebase, hardened for the sandbox use case: read-only
// rootfs, all capabilities dropped, no-new-privileges, and no bind
// mounts of any kind.
type DockerAdapter struct {
	cli *client.Client
	log *zap.Logger
}

// NewDockerAdapter builds a client from the environment (DOCKER_HOST,
// DOCKER_TLS_VERIFY, …), negotiating the API version with the daemon.
func NewDockerAdapter(log *zap.Logger) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w: %w", errs.ErrDaemonUnavailable, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerAdapter{cli: cli, log: log}, nil
}

func (a *DockerAdapter) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w: %w", ref, errs.ErrDaemonUnavailable, err)
	}

	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w: %w", ref, errs.ErrImageUnavailable, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("drain pull response for %s: %w: %w", ref, errs.ErrImageUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	workdir := spec.Workdir
	if workdir == "" {
		workdir = "/src"
	}
	hostIP := spec.HostIP
	if hostIP == "" {
		hostIP = "0.0.0.0"
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed, bindings, err := buildPorts(spec.PortBindings, hostIP)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		WorkingDir:   workdir,
		ExposedPorts: exposed,
		Tty:          false,
	}

	hostCfg := &container.HostConfig{
		PortBindings:   bindings,
		Mounts:         nil, // bind-mounts are never supplied, per spec
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		NetworkMode:    "bridge",
		Resources: container.Resources{
			Memory:    spec.Memory,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &spec.PidsLimit,
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("create container %s: %w: %w", spec.Name, errs.ErrNameConflict, err)
		}
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("create container %s: %w: %w", spec.Name, errs.ErrImageUnavailable, err)
		}
		return "", fmt.Errorf("create container %s: %w: %w", spec.Name, errs.ErrDaemonUnavailable, err)
	}
	return resp.ID, nil
}

func (a *DockerAdapter) Start(ctx context.Context, id string) error {
	if err := a.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("start %s: %w: %w", id, errs.ErrNotFound, err)
		}
		return fmt.Errorf("start %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) Pause(ctx context.Context, id string) error {
	if err := a.cli.ContainerPause(ctx, id); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("pause %s: %w: %w", id, errs.ErrNotFound, err)
		}
		if strings.Contains(err.Error(), "already paused") {
			return fmt.Errorf("pause %s: %w: %w", id, errs.ErrAlreadyPaused, err)
		}
		return fmt.Errorf("pause %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) Unpause(ctx context.Context, id string) error {
	if err := a.cli.ContainerUnpause(ctx, id); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("unpause %s: %w: %w", id, errs.ErrNotFound, err)
		}
		if strings.Contains(err.Error(), "not paused") {
			return fmt.Errorf("unpause %s: %w: %w", id, errs.ErrNotPaused, err)
		}
		return fmt.Errorf("unpause %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) Remove(ctx context.Context, id string, force bool) error {
	err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("remove %s: %w: %w", id, errs.ErrNotFound, err)
		}
		return fmt.Errorf("remove %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) Exec(ctx context.Context, id string, argv []string, workdir string, timeout time.Duration) (MutationResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := a.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return MutationResult{}, fmt.Errorf("exec create on %s: %w: %w", id, errs.ErrNotFound, err)
		}
		return MutationResult{}, fmt.Errorf("exec create on %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}

	attach, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return MutationResult{}, fmt.Errorf("exec attach on %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		return MutationResult{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()},
			fmt.Errorf("exec %s timed out: %w", id, errs.ErrTimeout)
	case copyErr := <-copyDone:
		if copyErr != nil && copyErr != io.EOF {
			return MutationResult{}, fmt.Errorf("exec read output on %s: %w: %w", id, errs.ErrDaemonUnavailable, copyErr)
		}
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return MutationResult{}, fmt.Errorf("exec inspect on %s: %w: %w", id, errs.ErrDaemonUnavailable, err)
	}

	return MutationResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (a *DockerAdapter) UploadTar(ctx context.Context, id, destPath string, tar io.Reader) error {
	err := a.cli.CopyToContainer(ctx, id, destPath, tar, container.CopyToContainerOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("upload to %s:%s: %w: %w", id, destPath, errs.ErrNotFound, err)
		}
		return fmt.Errorf("upload to %s:%s: %w: %w", id, destPath, errs.ErrDaemonUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) DownloadTar(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	rc, _, err := a.cli.CopyFromContainer(ctx, id, srcPath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("download from %s:%s: %w: %w", id, srcPath, errs.ErrPathMissing, err)
		}
		return nil, fmt.Errorf("download from %s:%s: %w: %w", id, srcPath, errs.ErrDaemonUnavailable, err)
	}
	return rc, nil
}

func buildPorts(portBindings map[int]int, hostIP string) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet, len(portBindings))
	bindings := make(nat.PortMap, len(portBindings))
	for containerPort, hostPort := range portBindings {
		p, err := nat.NewPort("tcp", fmt.Sprintf("%d", containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("build port binding %d->%d: %w", containerPort, hostPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: hostIP, HostPort: fmt.Sprintf("%d", hostPort)}}
	}
	return exposed, bindings, nil
}
