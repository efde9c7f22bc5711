package synchronization

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
)

// Detail actions
const (
	ActionAdd    = "add"
	ActionChange = "change"
	ActionError  = "error"
)

// Detail describes what a step did to one account
type Detail struct {
	Action  string `json:"action"`
	Login   string `json:"login"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is the outcome of one step. NextOptions is nil after the last
// step.
type Result struct {
	NextOptions json.RawMessage `json:"next_options"`
	Details     []Detail        `json:"details"`
}

// Synchronizer is implemented by the synchronization modules. options is
// nil on the first step.
type Synchronizer interface {
	Synchronize(ctx context.Context, m *modules.Module, options json.RawMessage) (*Result, error)
}

// Driver runs the steps of the enabled synchronization module
type Driver struct {
	registry *modules.Registry
}

// NewDriver creates a driver over the module registry
func NewDriver(registry *modules.Registry) *Driver {
	return &Driver{registry: registry}
}

// Step runs one step with the options returned by the previous one
func (d *Driver) Step(ctx context.Context, options json.RawMessage) (*Result, error) {
	enabled, err := d.registry.Enabled(ctx, modules.Synchronizations)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, errdefs.NotPermitted("no account synchronization module is enabled")
	}
	m := enabled[0]
	s, ok := m.App().(Synchronizer)
	if !ok {
		return nil, errdefs.NotPermitted("module %s cannot synchronize accounts", m.Alias())
	}

	res, err := s.Synchronize(ctx, m, normalize(options))
	if err != nil {
		return nil, err
	}
	res.NextOptions = normalize(res.NextOptions)
	if res.Details == nil {
		res.Details = []Detail{}
	}
	observability.FromContext(ctx).WithField("module", m.Alias()).
		Infof("Synchronization step done, %d accounts touched", len(res.Details))
	return res, nil
}

// Run repeats Step until the last one, passing every result to report
func (d *Driver) Run(ctx context.Context, report func(*Result)) error {
	var options json.RawMessage
	for {
		res, err := d.Step(ctx, options)
		if err != nil {
			return err
		}
		report(res)
		if res.NextOptions == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		options = res.NextOptions
	}
}

func normalize(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
