// Package config loads the core's configuration inputs (§6): image,
// setup command, optional project slug, and declared service ports,
// merged from a project TOML file and an optional local override.
// Unknown keys are tolerated by construction — the decoder is never
// given DisallowUnknownFields.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Service is one declared port forward, as read from TOML.
type Service struct {
	Name   string `toml:"name"`
	Target int    `toml:"target"`
}

// Project is the decoded shape of litterbox.toml /
// litterbox.local.toml.
type Project struct {
	Image        string    `toml:"image"`
	SetupCommand []string  `toml:"setup_command"`
	Slug         string    `toml:"slug"`
	Ports        []Service `toml:"ports"`
}

// Load reads projectFile, then merges localFile over it if localFile
// exists (zero-valued fields in the override never clobber the base).
// A missing localFile is not an error; a missing projectFile is.
func Load(projectFile, localFile string) (Project, error) {
	var base Project
	if _, err := toml.DecodeFile(projectFile, &base); err != nil {
		return Project{}, fmt.Errorf("load config %s: %w", projectFile, err)
	}

	if localFile == "" {
		return base, nil
	}
	if _, err := os.Stat(localFile); os.IsNotExist(err) {
		return base, nil
	}

	var override Project
	if _, err := toml.DecodeFile(localFile, &override); err != nil {
		return Project{}, fmt.Errorf("load local override %s: %w", localFile, err)
	}

	return merge(base, override), nil
}

func merge(base, override Project) Project {
	out := base
	if override.Image != "" {
		out.Image = override.Image
	}
	if len(override.SetupCommand) > 0 {
		out.SetupCommand = override.SetupCommand
	}
	if override.Slug != "" {
		out.Slug = override.Slug
	}
	if len(override.Ports) > 0 {
		out.Ports = override.Ports
	}
	return out
}
