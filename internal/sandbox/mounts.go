package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Mount is one bind mount into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// Container paths every sandbox sees.
const (
	WorkspaceTarget = "/workspace"
	StateTarget     = "/session"
	IPCTarget       = "/ipc"
	SharedTarget    = "/shared"
)

// RunSpec is everything needed to launch one sandbox container.
type RunSpec struct {
	Name         string
	Image        string
	Mounts       []Mount
	Env          []string
	ProviderArgs []string
}

// DockerArgs builds the docker invocation for a spec: interactive, removed
// on exit, stdin-driven.
func (s RunSpec) DockerArgs() []string {
	args := []string{"run", "--rm", "-i", "--name", s.Name}
	for _, m := range s.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, e := range s.Env {
		args = append(args, "-e", e)
	}
	args = append(args, s.Image)
	args = append(args, s.ProviderArgs...)
	return args
}

// MountPolicy gates extra host mounts requested per chat. Sources must
// resolve under an allowlisted prefix; denylist fragments override the
// allowlist wherever they appear in the resolved path.
type MountPolicy struct {
	Allow []string
	Deny  []string

	// resolve maps a requested source to its real absolute path. Tests
	// stub it; production uses filepath.EvalSymlinks with an Abs fallback
	// for paths that do not exist yet.
	resolve func(string) (string, error)
}

func NewMountPolicy(allow, deny []string) *MountPolicy {
	return &MountPolicy{Allow: allow, Deny: deny, resolve: resolveReal}
}

func resolveReal(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	// Path may not exist yet; policy still applies to the cleaned form.
	return filepath.Clean(abs), nil
}

// Validate checks one requested mount source. The zero-value allowlist
// permits nothing.
func (p *MountPolicy) Validate(source string) error {
	if !filepath.IsAbs(source) {
		return fmt.Errorf("mount %s: source must be absolute", source)
	}
	real, err := p.resolve(source)
	if err != nil {
		return fmt.Errorf("mount %s: resolve: %w", source, err)
	}
	for _, frag := range p.Deny {
		if frag != "" && strings.Contains(real, frag) {
			return fmt.Errorf("mount %s: denied by policy (%s)", source, frag)
		}
	}
	for _, prefix := range p.Allow {
		if prefix == "" {
			continue
		}
		if real == prefix || strings.HasPrefix(real, strings.TrimSuffix(prefix, "/")+"/") {
			return nil
		}
	}
	return fmt.Errorf("mount %s: not under any allowed prefix", source)
}
