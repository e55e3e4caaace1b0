// Package config loads the optional livepush.hcl project file consumed by
// cmd/livepush. Programmatic callers of the core packages never need this:
// it exists purely to let the CLI describe a Dockerfile, its build context,
// and the already-running containers it should attach to without repeating
// those flags on every invocation.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Project is the decoded form of a livepush.hcl file. Every field maps
// directly onto a primitive CLI input, so a flat struct decoded with
// hclsimple.DecodeFile is sufficient — there is no plugin registry to
// resolve against and no user-authored step graph to translate.
type Project struct {
	// Dockerfile is the path to the recipe text. A relative path is used
	// as given, i.e. against the process's working directory, not against
	// the file containing this block.
	Dockerfile string `hcl:"dockerfile"`
	// Context is the build-context root that local copy sources resolve
	// against. When empty, cmd/livepush uses the directory containing the
	// Dockerfile.
	Context string `hcl:"context,optional"`
	// TerminalContainer is the id of the already-running container for the
	// recipe's last stage.
	TerminalContainer string `hcl:"terminal_container"`
	// StageImages is the ordered list of pre-built image references for
	// every stage before the terminal one, index 0 first.
	StageImages []string `hcl:"stage_images,optional"`
	// SkipContainerRestart disables the terminal container restart that
	// normally follows a restart-eligible action group.
	SkipContainerRestart bool `hcl:"skip_container_restart,optional"`
	// BuildArgs is passed through as the build-argument environment every
	// replayed RUN command sees.
	BuildArgs map[string]string `hcl:"build_args,optional"`
}

// Load decodes path into a Project. A missing file is not an error: it
// yields a zero-value Project so a caller can fall back entirely to CLI
// flags or direct API construction — the HCL file is a convenience for the
// CLI, never required.
func Load(path string) (*Project, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Project{}, nil
	}

	var p Project
	if err := hclsimple.DecodeFile(path, nil, &p); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &p, nil
}
