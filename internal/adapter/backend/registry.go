package backend

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"

	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
)

// installHints maps known backend commands to remediation steps surfaced
// when the executable cannot be found.
var installHints = map[string][]string{
	"claude": {
		"Install the Claude Code CLI: npm install -g @anthropic-ai/claude-code",
		"Verify the install: claude --version",
	},
	"codex": {
		"Install the Codex CLI: npm install -g @openai/codex",
		"Verify the install: codex --version",
	},
}

// Registry is the static name -> server mapping loaded from config.
// Resolution order for the executable: explicit per-server path, then the
// client-level override, then PATH lookup of the command.
type Registry struct {
	entries      map[string]config.ServerConfig
	pathOverride string

	lookPath func(string) (string, error) // injectable for tests
}

// NewRegistry builds a registry from the loaded configuration.
func NewRegistry(cfg *config.Config) *Registry {
	entries := make(map[string]config.ServerConfig, len(cfg.Servers))
	for _, s := range cfg.Servers {
		entries[s.Name] = s
	}
	return &Registry{
		entries:      entries,
		pathOverride: cfg.Client.ServerPath,
		lookPath:     exec.LookPath,
	}
}

// Names returns the registered server names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the server entry and the absolute executable path for
// name. A missing entry or executable yields ErrServerNotFound; missing
// executables carry install hints in the error's Suggestions.
func (r *Registry) Resolve(name string) (config.ServerConfig, string, error) {
	srv, ok := r.entries[name]
	if !ok {
		known := r.Names()
		return config.ServerConfig{}, "", &domain.ProtocolError{
			Op:     "Registry.Resolve",
			Err:    domain.ErrServerNotFound,
			Detail: fmt.Sprintf("no server named %q (known: %v)", name, known),
		}
	}

	if srv.Path != "" {
		if path, err := r.lookPath(srv.Path); err == nil {
			return srv, path, nil
		}
		return srv, "", r.notFound(srv, srv.Path)
	}
	if r.pathOverride != "" {
		if path, err := r.lookPath(r.pathOverride); err == nil {
			return srv, path, nil
		}
		return srv, "", r.notFound(srv, r.pathOverride)
	}

	path, err := r.lookPath(srv.Command)
	if err != nil {
		return srv, "", r.notFound(srv, srv.Command)
	}
	return srv, path, nil
}

func (r *Registry) notFound(srv config.ServerConfig, probed string) error {
	hints := installHints[filepath.Base(srv.Command)]
	if len(hints) == 0 {
		hints = []string{fmt.Sprintf("Install %q and make sure it is on your PATH", srv.Command)}
	}
	return &domain.ProtocolError{
		Op:          "Registry.Resolve",
		Err:         domain.ErrServerNotFound,
		Detail:      fmt.Sprintf("executable %q not found for server %q", probed, srv.Name),
		Suggestions: hints,
	}
}
