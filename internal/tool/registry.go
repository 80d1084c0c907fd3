package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"litterbox/internal/errs"
	"litterbox/internal/rpcio"
)

// Registry adapts Dispatcher's Go-typed methods onto the
// name+JSON-arguments shape rpcio.Server expects, and classifies
// domain errors into JSON-RPC error codes.
type Registry struct {
	d *Dispatcher
}

// NewRegistry wraps d for RPC dispatch.
func NewRegistry(d *Dispatcher) *Registry {
	return &Registry{d: d}
}

// Handler satisfies rpcio.Handler.
func (r *Registry) Handler(name string, arguments json.RawMessage) (any, error) {
	ctx := context.Background()

	switch name {
	case "read":
		var a struct {
			Sandbox string `json:"sandbox"`
			Path    string `json:"path"`
			Offset  *int   `json:"offset"`
			Limit   *int   `json:"limit"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		text, err := r.d.Read(ctx, a.Sandbox, a.Path, a.Offset, a.Limit)
		if err != nil {
			return nil, err
		}
		return textResult(text), nil

	case "ls":
		var a struct {
			Sandbox   string `json:"sandbox"`
			Path      string `json:"path"`
			Recursive bool   `json:"recursive"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		entries, err := r.d.Ls(ctx, a.Sandbox, a.Path, a.Recursive)
		if err != nil {
			return nil, err
		}
		return listResult(entries), nil

	case "glob":
		var a struct {
			Sandbox string `json:"sandbox"`
			Pattern string `json:"pattern"`
			Path    string `json:"path"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		matches, err := r.d.Glob(ctx, a.Sandbox, a.Pattern, a.Path)
		if err != nil {
			return nil, err
		}
		return listResult(matches), nil

	case "grep":
		var a struct {
			Sandbox string `json:"sandbox"`
			Pattern string `json:"pattern"`
			Path    string `json:"path"`
			Include string `json:"include"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		matches, err := r.d.Grep(ctx, a.Sandbox, a.Pattern, a.Path, a.Include)
		if err != nil {
			return nil, err
		}
		return listResult(matches), nil

	case "write":
		var a struct {
			Sandbox string `json:"sandbox"`
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		warn, err := r.d.Write(ctx, a.Sandbox, a.Path, a.Content)
		if err != nil {
			return nil, err
		}
		return okResult(warn), nil

	case "patch":
		var a struct {
			Sandbox string `json:"sandbox"`
			Path    string `json:"path"`
			Diff    string `json:"diff"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		warn, err := r.d.Patch(ctx, a.Sandbox, a.Path, a.Diff)
		if err != nil {
			return nil, err
		}
		return okResult(warn), nil

	case "shell":
		var a struct {
			Sandbox    string `json:"sandbox"`
			Command    string `json:"command"`
			Workdir    string `json:"workdir"`
			TimeoutSec int    `json:"timeout_sec"`
		}
		if err := json.Unmarshal(arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidName, err)
		}
		timeout := time.Duration(a.TimeoutSec) * time.Second
		res, warn, err := r.d.Shell(ctx, a.Sandbox, a.Command, a.Workdir, timeout)
		if err != nil {
			return nil, err
		}
		return shellResult(res, warn), nil

	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// Classify maps a domain error from internal/errs into a JSON-RPC
// error code, per §6.
func Classify(err error) int {
	switch {
	case errors.Is(err, errs.ErrPathMustBeAbs),
		errors.Is(err, errs.ErrInvalidName):
		return rpcio.ErrCodeInvalidParams
	case errors.Is(err, errs.ErrSandboxNotFound),
		errors.Is(err, errs.ErrDiffNotApplicable),
		errors.Is(err, errs.ErrTimeout):
		return rpcio.ErrCodeInvalidParams
	default:
		return rpcio.ErrCodeInternalError
	}
}

func textResult(text string) rpcio.ToolsCallResult {
	return rpcio.ToolsCallResult{Content: []rpcio.ContentBlock{{Type: "text", Text: text}}}
}

func listResult(items []string) rpcio.ToolsCallResult {
	b, _ := json.Marshal(items)
	return rpcio.ToolsCallResult{Content: []rpcio.ContentBlock{{Type: "text", Text: string(b)}}}
}

func okResult(warn Warning) rpcio.ToolsCallResult {
	return rpcio.ToolsCallResult{
		Content: []rpcio.ContentBlock{{Type: "text", Text: "ok"}},
		Warning: warn.Message,
	}
}

func shellResult(res sandboxResult, warn Warning) rpcio.ToolsCallResult {
	b, _ := json.Marshal(res)
	return rpcio.ToolsCallResult{
		Content: []rpcio.ContentBlock{{Type: "text", Text: string(b)}},
		Warning: warn.Message,
	}
}
