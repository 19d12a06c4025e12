package shell

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/IceWhaleTech/vfshell"
)

// HandlerFunc runs a built-in command and returns its exit status.
type HandlerFunc func(ctx context.Context, c *Call) int

// Builtin describes a command the interpreter can run.
type Builtin struct {
	// Name is the command name as typed.
	Name string
	// Usage is the synopsis shown by man and on usage errors.
	Usage string
	// Summary is a one-line description shown by help.
	Summary string
	// Run executes the command.
	Run HandlerFunc
}

// Registry maps command names to built-ins.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]*Builtin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builtins: make(map[string]*Builtin)}
}

// Register adds b to the registry.
// Returns an error if a built-in with the same name is already registered.
func (r *Registry) Register(b Builtin) error {
	if b.Name == "" {
		return errors.New("builtin name cannot be empty")
	}
	if b.Run == nil {
		return fmt.Errorf("builtin '%s' has no handler", b.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins[b.Name]; exists {
		return fmt.Errorf("builtin '%s' is already registered", b.Name)
	}
	r.builtins[b.Name] = &b
	return nil
}

// Get retrieves a built-in by name.
func (r *Registry) Get(name string) (*Builtin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, exists := r.builtins[name]
	if !exists {
		return nil, fmt.Errorf("%s: %w", name, vfshell.ErrCommandNotFound)
	}
	return b, nil
}

// List returns all registered names in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Suggest returns the registered name closest to unknown, or "" if
// nothing is within three edits.
func (r *Registry) Suggest(unknown string) string {
	best, bestDistance := "", 4
	for _, name := range r.List() {
		if d := levenshtein(unknown, name); d < bestDistance {
			best, bestDistance = name, d
		}
	}
	return best
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	previous := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}
	for j := 1; j <= len(b); j++ {
		current := make([]int, len(a)+1)
		current[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[i] = min(previous[i]+1, min(current[i-1]+1, previous[i-1]+cost))
		}
		previous = current
	}
	return previous[len(a)]
}

func mustRegister(r *Registry, builtins ...Builtin) {
	for _, b := range builtins {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// DefaultRegistry returns a registry holding every standard built-in.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister(r, fsBuiltins()...)
	mustRegister(r, textBuiltins()...)
	mustRegister(r, sysBuiltins()...)
	mustRegister(r, netBuiltins()...)
	return r
}
