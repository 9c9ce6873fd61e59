package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// Checker inspects and corrects one kind of resource.
type Checker interface {
	// Check compares the host against params. An error means the host
	// could not be inspected.
	Check(ctx context.Context, t transports.Transport, params map[string]any) (*ResourceState, error)

	// Apply performs the corrective action. An error means the action ran
	// and did not succeed.
	Apply(ctx context.Context, t transports.Transport, params map[string]any) (*ActionResult, error)

	// SupportsDrift reports whether Check observes real state. Kinds
	// without it cannot be previewed in check mode.
	SupportsDrift() bool
}

// ResourceState is the result of a check.
type ResourceState struct {
	// Matches is true when no action is needed.
	Matches bool

	// Skip, when set, marks the task satisfied by an idempotence guard
	// such as creates/removes. The value is the reason.
	Skip string

	// Current is the observed state, for reports.
	Current map[string]any

	// Diff lists the differences from the desired state.
	Diff []Change
}

// ActionResult describes a corrective action that ran.
type ActionResult struct {
	// Message summarizes the action.
	Message string

	// Stdout is the action's standard output, if it ran a command.
	Stdout string

	// Stderr is the action's standard error, if it ran a command.
	Stderr string

	// RC is the exit code, if it ran a command.
	RC int
}

// CheckerRegistry maps resource kinds to checkers.
type CheckerRegistry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewCheckerRegistry creates an empty registry.
func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{checkers: make(map[string]Checker)}
}

// Register adds a checker for kind.
func (r *CheckerRegistry) Register(kind string, c Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checkers[kind]; exists {
		return fmt.Errorf("checker already registered for kind %s", kind)
	}
	r.checkers[kind] = c
	return nil
}

// Get returns the checker for kind.
func (r *CheckerRegistry) Get(kind string) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[kind]
	return c, ok
}

// Kinds returns the registered kinds, sorted.
func (r *CheckerRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.checkers))
	for k := range r.checkers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
