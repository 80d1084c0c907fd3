// Package slug implements the deterministic naming rules of the core:
// turning free-form sandbox/service names into canonical slugs, branch
// names, container names, and forwarded-port env-var keys. Every
// function here is pure and total; no I/O, no global state.
package slug

import (
	"fmt"
	"regexp"
	"strings"

	"litterbox/internal/errs"
)

const maxLen = 63

var (
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]+`)
	validPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
)

// Slugify lowercases s, replaces runs of non-alphanumerics with a
// single '-', collapses consecutive '-', and trims leading/trailing
// '-'. It fails with errs.ErrInvalidName if the result is empty,
// longer than 63 bytes, or contains a character outside [a-z0-9-].
func Slugify(s string) (string, error) {
	lowered := strings.ToLower(s)
	replaced := nonAlnum.ReplaceAllString(lowered, "-")
	trimmed := strings.Trim(replaced, "-")

	if trimmed == "" {
		return "", fmt.Errorf("slugify %q: %w", s, errs.ErrInvalidName)
	}
	if len(trimmed) > maxLen {
		return "", fmt.Errorf("slugify %q: result exceeds %d bytes: %w", s, maxLen, errs.ErrInvalidName)
	}
	if !validPattern.MatchString(trimmed) {
		return "", fmt.Errorf("slugify %q: %w", s, errs.ErrInvalidName)
	}
	return trimmed, nil
}

// BranchName returns the litterbox branch name for a sandbox slug.
func BranchName(sandboxSlug string) string {
	return "litterbox/" + sandboxSlug
}

// ContainerName returns the host-unique container name for a sandbox.
func ContainerName(repoSlug, sandboxSlug string) string {
	return "litterbox-" + repoSlug + "-" + sandboxSlug
}

// ServiceEnvVar uppercases slug and replaces '-' with '_', prefixed
// with LITTERBOX_FWD_PORT_, per §3's forwarded_ports.env_var rule.
func ServiceEnvVar(serviceSlug string) string {
	upper := strings.ToUpper(serviceSlug)
	upper = strings.ReplaceAll(upper, "-", "_")
	return "LITTERBOX_FWD_PORT_" + upper
}
