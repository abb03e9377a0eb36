// Package gate resolves and runs named validation gates.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/patchd/internal/model"
	"github.com/msageha/patchd/internal/step"
)

// Gate is a named pass/fail check. A false result should carry an error
// describing why.
type Gate interface {
	Name() string
	Run(ctx context.Context) (bool, error)
}

const (
	prefixExists = "exists:"
	prefixCmd    = "cmd:"
)

// ErrUnknownGate is reported by gates whose name resolves to nothing.
var ErrUnknownGate = errors.New("unknown gate")

// Registry maps gate names to gates. Lookup order: registered gates,
// configured gates, then the exists: and cmd: prefixes. Anything else
// resolves to a gate that always fails.
type Registry struct {
	mu       sync.RWMutex
	custom   map[string]Gate
	config   map[string]model.GateConfig
	shell    string
	root     string
	maxBytes int
}

func NewRegistry(gates map[string]model.GateConfig, shell, projectRoot string, maxOutput int) *Registry {
	return &Registry{
		custom:   make(map[string]Gate),
		config:   gates,
		shell:    shell,
		root:     projectRoot,
		maxBytes: maxOutput,
	}
}

// Register adds or replaces a gate by its Name.
func (r *Registry) Register(g Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[g.Name()] = g
}

// Resolve returns the gate for name and its own timeout (zero when the gate
// has none).
func (r *Registry) Resolve(name string) (Gate, time.Duration) {
	r.mu.RLock()
	g, ok := r.custom[name]
	r.mu.RUnlock()
	if ok {
		return g, 0
	}

	if gc, ok := r.config[name]; ok {
		dir := r.root
		if gc.Workdir != "" {
			dir = gc.Workdir
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(r.root, dir)
			}
		}
		return &commandGate{name: name, command: gc.Command, runner: step.NewShellRunner(r.shell, dir, r.maxBytes)},
			time.Duration(gc.TimeoutSec) * time.Second
	}

	switch {
	case strings.HasPrefix(name, prefixExists):
		return &existsGate{name: name, path: strings.TrimSpace(strings.TrimPrefix(name, prefixExists)), root: r.root}, 0
	case strings.HasPrefix(name, prefixCmd):
		cmd := strings.TrimSpace(strings.TrimPrefix(name, prefixCmd))
		return &commandGate{name: name, command: cmd, runner: step.NewShellRunner(r.shell, r.root, r.maxBytes)}, 0
	}
	return unknownGate(name), 0
}

// Func adapts a function to the Gate interface.
type Func struct {
	GateName string
	Check    func(ctx context.Context) (bool, error)
}

func (f Func) Name() string                          { return f.GateName }
func (f Func) Run(ctx context.Context) (bool, error) { return f.Check(ctx) }

type unknownGate string

func (u unknownGate) Name() string { return string(u) }
func (u unknownGate) Run(context.Context) (bool, error) {
	return false, fmt.Errorf("%w %q", ErrUnknownGate, string(u))
}

type commandGate struct {
	name    string
	command string
	runner  step.Runner
}

func (g *commandGate) Name() string { return g.name }

func (g *commandGate) Run(ctx context.Context) (bool, error) {
	if g.command == "" {
		return false, errors.New("empty gate command")
	}
	if _, err := g.runner.Run(ctx, g.command); err != nil {
		return false, err
	}
	return true, nil
}

type existsGate struct {
	name string
	path string
	root string
}

func (g *existsGate) Name() string { return g.name }

func (g *existsGate) Run(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p := g.path
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	if _, err := os.Stat(p); err != nil {
		return false, fmt.Errorf("%s does not exist", g.path)
	}
	return true, nil
}
