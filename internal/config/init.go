package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/interlock/internal/project"
)

// InitProject registers dir as project id in the config at path, creating
// the file when missing, and creates the project's state directory. The
// first project added becomes the default.
func InitProject(path, id, dir string) (Config, error) {
	id = strings.TrimSpace(id)
	dir = strings.TrimSpace(dir)
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	if id == "" {
		return Config{}, fmt.Errorf("project required")
	}
	if dir == "" {
		return Config{}, fmt.Errorf("project directory required")
	}
	abs, err := filepath.Abs(expandHome(dir))
	if err != nil {
		return Config{}, fmt.Errorf("resolve %s: %w", dir, err)
	}

	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if prev, ok := cfg.Projects[id]; ok && prev != abs {
		return Config{}, fmt.Errorf("project %q already points at %s", id, prev)
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]string)
	}
	cfg.Projects[id] = abs
	if cfg.DefaultProject == "" {
		cfg.DefaultProject = id
	}

	if err := os.MkdirAll(filepath.Join(abs, project.StateDir), 0o755); err != nil {
		return Config{}, fmt.Errorf("create state dir: %w", err)
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
