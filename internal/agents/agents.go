// Package agents defines the uniform call contract between the
// supervisor and the four executor agents, the startup-time registry
// that binds each role to one concrete executor, and the failure
// taxonomy used to classify executor errors.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"reagent/internal/graph"
)

// Input is the payload handed to an executor for one node. Dependency
// results are fully resolved before dispatch, so an executor sees every
// upstream output it declared a dependency on.
type Input struct {
	Goal         string                     `json:"goal"`
	Description  string                     `json:"description"`
	Payload      json.RawMessage            `json:"payload,omitempty"`
	Dependencies map[string]json.RawMessage `json:"dependencies,omitempty"`
}

// Executor is one of the four specialized agents. Implementations are
// external to the orchestration core; the core only requires that every
// invocation terminates with a result or a classifiable error within the
// caller's deadline.
type Executor interface {
	Invoke(ctx context.Context, input Input) (json.RawMessage, error)
}

// Registry binds each executor role to exactly one Executor at startup.
// The role set is a closed enumeration; there is no runtime discovery.
type Registry struct {
	executors map[graph.Role]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[graph.Role]Executor)}
}

// Register binds a role to an executor. Rebinding a role or binding an
// unknown role is a configuration error.
func (r *Registry) Register(role graph.Role, exec Executor) error {
	if !graph.ValidRole(role) {
		return fmt.Errorf("unknown executor role %q", role)
	}
	if exec == nil {
		return fmt.Errorf("nil executor for role %q", role)
	}
	if _, dup := r.executors[role]; dup {
		return fmt.Errorf("role %q already bound", role)
	}
	r.executors[role] = exec
	return nil
}

// Resolve looks up the executor bound to a role.
func (r *Registry) Resolve(role graph.Role) (Executor, error) {
	exec, ok := r.executors[role]
	if !ok {
		return nil, fmt.Errorf("no executor bound for role %q", role)
	}
	return exec, nil
}

// Roles returns the bound roles in stable order.
func (r *Registry) Roles() []graph.Role {
	out := make([]graph.Role, 0, len(r.executors))
	for role := range r.executors {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Complete reports whether all four roles are bound.
func (r *Registry) Complete() bool {
	return len(r.executors) == 4
}

// FailureClass partitions executor failures for retry policy.
type FailureClass string

const (
	// ClassTransient covers recoverable executor errors; retried with
	// backoff up to the retry budget.
	ClassTransient FailureClass = "transient"
	// ClassTimeout covers executor calls that exceeded the per-node
	// timeout; retried like transient failures.
	ClassTimeout FailureClass = "timeout"
	// ClassFatal covers failures that retrying cannot fix; terminal for
	// the node.
	ClassFatal FailureClass = "fatal"
)

// Failure is a classified executor error.
type Failure struct {
	Class FailureClass
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s executor failure: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the supervisor may re-dispatch the node.
func (f *Failure) Retryable() bool { return f.Class != ClassFatal }

// Transient wraps an error as a retryable executor failure.
func Transient(err error) *Failure { return &Failure{Class: ClassTransient, Err: err} }

// Fatal wraps an error as a non-retryable executor failure.
func Fatal(err error) *Failure { return &Failure{Class: ClassFatal, Err: err} }

// Classify maps an error returned by an executor call to a Failure.
// Already-classified failures pass through; deadline expiry becomes a
// timeout; everything else is treated as transient and left to the
// retry budget to escalate.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Class: ClassTimeout, Err: err}
	}
	return &Failure{Class: ClassTransient, Err: err}
}
