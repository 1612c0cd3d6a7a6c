package sandbox

import "fmt"

// Provider names an agent implementation and the argv the container runs.
type Provider struct {
	Name string
	Args []string
}

var providers = map[string]Provider{
	"claude": {Name: "claude", Args: []string{"nanoclaw-agent", "--provider", "claude"}},
	"codex":  {Name: "codex", Args: []string{"nanoclaw-agent", "--provider", "codex"}},
}

// LookupProvider resolves a provider by name. Empty defaults to claude.
func LookupProvider(name string) (Provider, error) {
	if name == "" {
		name = "claude"
	}
	p, ok := providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}
