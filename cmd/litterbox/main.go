// Command litterbox is the CLI surface over the core (§6): pause,
// resume, delete, list, and an interactive shell, plus an rpc-server
// subcommand that runs the agent-facing JSON-RPC tool dispatcher over
// stdio. Bootstraps .env via godotenv; the TOML project config is
// only needed (and only loaded) for create, which is the one command
// that has to know the sandbox's image and setup command.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"litterbox/internal/compute"
	"litterbox/internal/config"
	"litterbox/internal/logging"
	"litterbox/internal/ports"
	"litterbox/internal/repo"
	"litterbox/internal/rpcio"
	"litterbox/internal/sandbox"
	"litterbox/internal/slug"
	"litterbox/internal/snapshot"
	"litterbox/internal/tool"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := run(log, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "litterbox:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: litterbox <create|pause|resume|delete|list|shell|rpc-server> [args...]")
}

func run(log *zap.Logger, cmd string, args []string) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine repo root: %w", err)
	}
	repoSlug, err := slug.Slugify(filepath.Base(repoRoot))
	if err != nil {
		return fmt.Errorf("slugify repo root: %w", err)
	}

	computeAdapter, err := compute.NewDockerAdapter(log)
	if err != nil {
		return err
	}
	worktreeRoot := filepath.Join(repoRoot, ".litterbox-worktrees")
	repoAdapter := repo.NewCLIAdapter(repoRoot, worktreeRoot)
	pa := ports.New()

	lc := sandbox.New(log, computeAdapter, repoAdapter, pa,
		sandbox.RepoContext{RepoRoot: repoRoot, RepoSlug: repoSlug}, ports.DefaultRange)
	coord := snapshot.New(log, computeAdapter, repoAdapter, repoAdapter)
	dispatcher := tool.New(log, lc, coord, tool.PathPolicyResolve)

	ctx := context.Background()

	switch cmd {
	case "pause":
		return requireName(args, func(name string) error { return lc.Pause(ctx, mustSlug(name)) })
	case "resume":
		return requireName(args, func(name string) error { return lc.Resume(ctx, mustSlug(name)) })
	case "delete":
		return requireName(args, func(name string) error { return lc.Delete(ctx, mustSlug(name)) })
	case "list":
		return listSandboxes(lc)
	case "create":
		cfg, err := config.Load(filepath.Join(repoRoot, "litterbox.toml"), filepath.Join(repoRoot, "litterbox.local.toml"))
		if err != nil {
			return err
		}
		return createSandbox(ctx, lc, args, cfg)
	case "shell":
		return shellCommand(lc, args)
	case "rpc-server":
		return runRPCServer(dispatcher)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func mustSlug(name string) string {
	s, err := slug.Slugify(name)
	if err != nil {
		return name
	}
	return s
}

func requireName(args []string, fn func(string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("expected a sandbox name")
	}
	return fn(args[0])
}

func listSandboxes(lc *sandbox.Lifecycle) error {
	for _, r := range lc.List() {
		fmt.Printf("%s\t%s\t%s\n", r.Slug, r.Status, r.ContainerName)
	}
	return nil
}

func createSandbox(ctx context.Context, lc *sandbox.Lifecycle, args []string, cfg config.Project) error {
	if len(args) < 1 {
		return fmt.Errorf("expected a sandbox name")
	}
	services := make([]sandbox.Service, len(cfg.Ports))
	for i, p := range cfg.Ports {
		services[i] = sandbox.Service{Name: p.Name, ContainerPort: p.Target}
	}
	rec, err := lc.Create(ctx, args[0], sandbox.CreateConfig{
		Image:        cfg.Image,
		SetupCommand: cfg.SetupCommand,
		Services:     services,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s (branch=%s container=%s)\n", rec.Slug, rec.BranchName, rec.ContainerName)
	return nil
}

func shellCommand(lc *sandbox.Lifecycle, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected a sandbox name")
	}
	name := mustSlug(args[0])
	rec, err := lc.Get(name)
	if err != nil {
		return err
	}

	rest := args[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	if len(rest) == 0 {
		rest = []string{"sh"}
	}
	return runInteractiveShell(rec.ContainerName, rest)
}

func runRPCServer(d *tool.Dispatcher) error {
	reg := tool.NewRegistry(d)
	srv := rpcio.NewServer(os.Stdin, os.Stdout, reg.Handler)
	srv.ErrClassifier = tool.Classify
	return srv.Serve()
}
