package executor

import (
	"context"
	"fmt"
)

// ActionDriver abstracts the actual execution of an action. Drivers perform
// the side effect and report the observable state afterwards; everything
// around them (contract, snapshot, verification, rollback) is the engine's
// job.
type ActionDriver interface {
	// Execute performs the action with the given parameters.
	Execute(ctx context.Context, actionType string, params map[string]any) (*DriverResult, error)
}

// DriverResult is what a driver observed after performing its action.
type DriverResult struct {
	// State holds observable key/value state after execution. These feed
	// state_match criteria.
	State map[string]any
	// Metrics holds measured values after execution. These feed
	// metric_threshold criteria alongside the benchmark run's metrics.
	Metrics map[string]float64
	// Detail is a free-form human summary.
	Detail string
}

// DriverFunc adapts a plain function to ActionDriver.
type DriverFunc func(ctx context.Context, actionType string, params map[string]any) (*DriverResult, error)

func (f DriverFunc) Execute(ctx context.Context, actionType string, params map[string]any) (*DriverResult, error) {
	return f(ctx, actionType, params)
}

// DriverRegistry routes action types to registered drivers.
type DriverRegistry struct {
	drivers map[string]ActionDriver
}

// NewDriverRegistry creates an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[string]ActionDriver)}
}

// Register binds a driver to an action type. Later registrations replace
// earlier ones.
func (r *DriverRegistry) Register(actionType string, d ActionDriver) {
	r.drivers[actionType] = d
}

// Execute dispatches to the driver registered for the action type.
func (r *DriverRegistry) Execute(ctx context.Context, actionType string, params map[string]any) (*DriverResult, error) {
	d, ok := r.drivers[actionType]
	if !ok {
		return nil, fmt.Errorf("executor: no driver registered for action type %q", actionType)
	}
	return d.Execute(ctx, actionType, params)
}
