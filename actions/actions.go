// Package actions manages action definitions and hosts the builtin std.*
// actions. Definitions are created and updated inside a single store
// transaction; the builtin actions are seeded as system definitions that
// cannot be modified.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

// Builtin action names.
const (
	Echo = "std.echo"
	Fail = "std.fail"
	Noop = "std.noop"
)

type (
	// Func executes a builtin action against its resolved input.
	Func func(input map[string]any) (any, error)

	// builtin describes one std.* action.
	builtin struct {
		description string
		params      []string
		fn          Func
	}

	// Resolved is an action ready to validate input and execute.
	Resolved struct {
		// Name is the requested action name (possibly a user definition).
		Name string
		// Base is the builtin the action delegates to.
		Base   string
		params map[string]struct{}
		fn     Func
	}

	// Options configures the action service.
	Options struct {
		// Store persists action definitions. Required.
		Store store.Store
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Service resolves, creates and updates action definitions.
	Service struct {
		store store.Store
		log   telemetry.Logger
	}
)

var builtins = map[string]builtin{
	Echo: {
		description: "Echo the output parameter back as the action result.",
		params:      []string{"output"},
		fn: func(input map[string]any) (any, error) {
			return input["output"], nil
		},
	},
	Fail: {
		description: "Fail unconditionally.",
		params:      nil,
		fn: func(map[string]any) (any, error) {
			return nil, errors.New("Fail action expected")
		},
	},
	Noop: {
		description: "Do nothing.",
		params:      nil,
		fn: func(map[string]any) (any, error) {
			return nil, nil
		},
	},
}

// NewService creates an action service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Service{store: opts.Store, log: log}, nil
}

// SeedSystemActions registers the builtin actions as system definitions so
// they appear in listings alongside user definitions.
func (s *Service) SeedSystemActions(ctx context.Context) error {
	now := time.Now().UTC()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, name := range names {
			b := builtins[name]
			def := &store.ActionDefinition{
				Name:        name,
				Description: b.description,
				Base:        name,
				Params:      b.params,
				IsSystem:    true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.UpsertActionDefinition(ctx, def); err != nil {
				return err
			}
		}
		return nil
	})
}

// Create parses the YAML definition and creates every action it declares
// within one transaction. Existing names fail with a duplicate error.
func (s *Service) Create(ctx context.Context, definition string) ([]*store.ActionDefinition, error) {
	defs, err := parseDefinitions(definition)
	if err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, def := range defs {
			if err := tx.CreateActionDefinition(ctx, def); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return flowerrors.Newf(flowerrors.KindDuplicate, "action %q already exists", def.Name)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "actions created", "count", len(defs))
	return defs, nil
}

// CreateOrUpdate parses the YAML definition and creates or replaces every
// action it declares within one transaction. System actions cannot be
// modified.
func (s *Service) CreateOrUpdate(ctx context.Context, definition string) ([]*store.ActionDefinition, error) {
	defs, err := parseDefinitions(definition)
	if err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, def := range defs {
			existing, err := tx.GetActionDefinition(ctx, def.Name)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if existing != nil && existing.IsSystem {
				return flowerrors.Newf(flowerrors.KindInvalidAction,
					"attempt to modify a system action: %s", def.Name)
			}
			if existing != nil {
				def.CreatedAt = existing.CreatedAt
			}
			if err := tx.UpsertActionDefinition(ctx, def); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// List returns every known action definition.
func (s *Service) List(ctx context.Context) ([]*store.ActionDefinition, error) {
	var defs []*store.ActionDefinition
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		defs, err = tx.ListActionDefinitions(ctx)
		return err
	})
	return defs, err
}

// Resolve looks up an action by name, following a user definition to its
// builtin base. Unknown names and unknown bases fail with invalid-action
// errors the dispatcher reports synchronously.
func (s *Service) Resolve(ctx context.Context, tx store.Tx, name string) (*Resolved, error) {
	if b, ok := builtins[name]; ok {
		return newResolved(name, name, b.params, b.fn), nil
	}
	def, err := tx.GetActionDefinition(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, flowerrors.Newf(flowerrors.KindInvalidAction,
				"Failed to find action [action_name=%s]", name)
		}
		return nil, err
	}
	b, ok := builtins[def.Base]
	if !ok {
		return nil, flowerrors.Newf(flowerrors.KindInvalidAction,
			"Failed to initialize action [action_name=%s]: unknown base action %q", name, def.Base)
	}
	params := def.Params
	if len(params) == 0 {
		params = b.params
	}
	return newResolved(name, def.Base, params, b.fn), nil
}

func newResolved(name, base string, params []string, fn Func) *Resolved {
	set := make(map[string]struct{}, len(params))
	for _, p := range params {
		set[p] = struct{}{}
	}
	return &Resolved{Name: name, Base: base, params: set, fn: fn}
}

// ValidateInput rejects arguments the action does not declare.
func (r *Resolved) ValidateInput(input map[string]any) error {
	for k := range input {
		if _, ok := r.params[k]; !ok {
			return flowerrors.Newf(flowerrors.KindInvalidAction,
				"Failed to initialize action [action_name=%s]: unexpected keyword argument %q", r.Name, k)
		}
	}
	return nil
}

// Execute runs the action synchronously. Runners call this from their own
// goroutines; the engine never blocks on it.
func (r *Resolved) Execute(input map[string]any) (any, error) {
	if r.fn == nil {
		return nil, fmt.Errorf("action %q has no executable base", r.Name)
	}
	return r.fn(input)
}
