// Package prompt provides the versioned, immutable prompt registry. Prompts
// are keyed by (agent, semver); the semver is the human-facing key and the
// sha256 content hash is the audit key embedded in generation records.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
)

// Prompt is one immutable published prompt version.
type Prompt struct {
	ID      string // "<agent>@<version>"
	Agent   string
	Version string
	Content string
	Hash    string // sha256 of Content, hex
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Registry holds published prompts. Effectively immutable after load:
// Register refuses to overwrite, and loads return copies.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prompts: make(map[string]Prompt)}
}

// Register publishes a prompt version. Publishing an existing (agent,
// version) pair is an error; published versions are never mutated.
func (r *Registry) Register(agent, version, content string) (Prompt, error) {
	if agent == "" || content == "" {
		return Prompt{}, fmt.Errorf("prompt agent and content are required")
	}
	if !semverPattern.MatchString(version) {
		return Prompt{}, fmt.Errorf("prompt version %q is not a semver", version)
	}

	key := agent + "@" + version
	sum := sha256.Sum256([]byte(content))
	p := Prompt{
		ID:      key,
		Agent:   agent,
		Version: version,
		Content: content,
		Hash:    hex.EncodeToString(sum[:]),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[key]; exists {
		return Prompt{}, fmt.Errorf("prompt %s already published", key)
	}
	r.prompts[key] = p
	return p, nil
}

// Load returns the prompt for the exact (agent, version) pair. Loading never
// falls back to another version.
func (r *Registry) Load(agent, version string) (Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[agent+"@"+version]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt %s@%s not found", agent, version)
	}
	return p, nil
}

// MustRegister is Register for init-time built-ins.
func (r *Registry) MustRegister(agent, version, content string) Prompt {
	p, err := r.Register(agent, version, content)
	if err != nil {
		panic(err)
	}
	return p
}
