package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadBaseOnly(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "litterbox.toml", `
image = "busybox"
setup_command = ["echo", "hello world"]

[[ports]]
name = "web"
target = 8080
`)
	cfg, err := Load(base, filepath.Join(dir, "litterbox.local.toml"))
	require.NoError(t, err)
	assert.Equal(t, "busybox", cfg.Image)
	assert.Equal(t, []string{"echo", "hello world"}, cfg.SetupCommand)
	require.Len(t, cfg.Ports, 1)
	assert.Equal(t, "web", cfg.Ports[0].Name)
}

func TestLoadLocalOverrideMerges(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "litterbox.toml", `
image = "busybox"
setup_command = ["echo", "hi"]
`)
	local := writeFile(t, dir, "litterbox.local.toml", `
image = "myimage:dev"
`)
	cfg, err := Load(base, local)
	require.NoError(t, err)
	assert.Equal(t, "myimage:dev", cfg.Image)
	assert.Equal(t, []string{"echo", "hi"}, cfg.SetupCommand, "override must not clobber fields it doesn't set")
}

func TestLoadTolerantOfUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "litterbox.toml", `
image = "busybox"
totally_unknown_key = "ignored"
`)
	_, err := Load(base, "")
	require.NoError(t, err)
}

func TestLoadMissingLocalIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "litterbox.toml", `image = "busybox"`)
	_, err := Load(base, filepath.Join(dir, "does-not-exist.toml"))
	require.NoError(t, err)
}
