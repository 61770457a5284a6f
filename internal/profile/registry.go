package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/store"
)

// Registry persists profiles and resolves argv templates for launches.
// Persisted entries overlay the builtin defaults, so a profile only needs to
// store the classes an operator actually changed.
type Registry struct {
	st  *store.Store
	log zerolog.Logger
}

func NewRegistry(st *store.Store) *Registry {
	return &Registry{st: st, log: observe.Component("profile")}
}

// Get loads a profile by name, overlaying stored rows on the builtin
// defaults. A name with no stored rows resolves to the pure builtin profile.
func (r *Registry) Get(ctx context.Context, name string) (Profile, error) {
	p := Builtin()
	rows, err := r.st.ProfileRows(ctx, name)
	if err != nil {
		return nil, err
	}
	for class, raw := range rows {
		cc := ClientClass(class)
		if !cc.Valid() {
			r.log.Warn().Str("profile", name).Str("class", class).Msg("skipping unknown client class")
			continue
		}
		var args []string
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("profile %s class %s: %w", name, class, err)
		}
		p[cc] = args
	}
	return p, nil
}

// Save validates every entry and persists the whole profile in one
// transaction. Any invalid template rejects the entire save.
func (r *Registry) Save(ctx context.Context, name string, p Profile) error {
	byClass := make(map[string]string, len(p))
	for class, args := range p {
		if !class.Valid() {
			return fmt.Errorf("profile %s: unknown client class %q", name, class)
		}
		if err := Validate(args); err != nil {
			return fmt.Errorf("profile %s class %s: %w", name, class, err)
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return err
		}
		byClass[string(class)] = string(raw)
	}
	if err := r.st.PutProfile(ctx, name, byClass); err != nil {
		return err
	}
	r.log.Info().Str("profile", name).Int("classes", len(p)).Msg("profile saved")
	return nil
}

// ApplyToAll copies the template of one class to every other class in the
// profile and persists the result atomically.
func (r *Registry) ApplyToAll(ctx context.Context, name string, from ClientClass) error {
	p, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	src, ok := p[from]
	if !ok {
		return fmt.Errorf("profile %s: no template for class %q", name, from)
	}
	for _, class := range Classes {
		p[class] = append([]string(nil), src...)
	}
	return r.Save(ctx, name, p)
}

// Args resolves the launch argv for a class within a named profile. A class
// without its own template falls back to the profile's fallback entry.
func (r *Registry) Args(ctx context.Context, name string, class ClientClass) ([]string, error) {
	p, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if args, ok := p[class]; ok && len(args) > 0 {
		return args, nil
	}
	return p[Fallback], nil
}
