package certmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/jmcleod/ironcert/storage"
)

// Predicate reports whether a consumer references the certificate refID.
type Predicate func(ctx context.Context, refID string) (bool, error)

// Registry aggregates the in-use predicates of every consumer subsystem.
// Predicates are evaluated on every query; nothing is cached.
type Registry struct {
	mu         sync.RWMutex
	names      []string
	predicates map[string]Predicate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{predicates: make(map[string]Predicate)}
}

// Register adds or replaces the predicate for consumer name.
func (r *Registry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.predicates[name]; !ok {
		r.names = append(r.names, name)
	}
	r.predicates[name] = p
}

// Unregister removes consumer name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.predicates[name]; !ok {
		return
	}
	delete(r.predicates, name)
	r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == name })
}

// Names returns the registered consumers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}

type namedPredicate struct {
	name string
	fn   Predicate
}

func (r *Registry) snapshot() []namedPredicate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namedPredicate, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, namedPredicate{name: n, fn: r.predicates[n]})
	}
	return out
}

// InUse reports whether any consumer references refID. It stops at the
// first consumer that does.
func (r *Registry) InUse(ctx context.Context, refID string) (bool, error) {
	for _, p := range r.snapshot() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		used, err := p.fn(ctx, refID)
		if err != nil {
			return false, fmt.Errorf("checking %s usage: %w", p.name, err)
		}
		if used {
			return true, nil
		}
	}
	return false, nil
}

// Consumers lists every consumer that references refID.
func (r *Registry) Consumers(ctx context.Context, refID string) ([]string, error) {
	var out []string
	for _, p := range r.snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		used, err := p.fn(ctx, refID)
		if err != nil {
			return nil, fmt.Errorf("checking %s usage: %w", p.name, err)
		}
		if used {
			out = append(out, p.name)
		}
	}
	return out, nil
}

// refFields is the subset of a consumer record that may point at a
// certificate.
type refFields struct {
	CertRef  string   `json:"certref"`
	CertRefs []string `json:"certrefs"`
}

// RefFieldPredicate checks the records of a consumer kind kept in the same
// configuration store for a certref or certrefs field naming the
// certificate.
func RefFieldPredicate(repo storage.Repository, kind string) Predicate {
	return func(ctx context.Context, refID string) (bool, error) {
		if err := ctx.Err(); err != nil || refID == "" {
			return false, err
		}
		raw, err := repo.List(kind)
		if err != nil {
			return false, err
		}
		for i, data := range raw {
			var f refFields
			if err := json.Unmarshal(data, &f); err != nil {
				return false, fmt.Errorf("decoding %s record %d: %w", kind, i, err)
			}
			if f.CertRef == refID || slices.Contains(f.CertRefs, refID) {
				return true, nil
			}
		}
		return false, nil
	}
}

// UserPredicate reports certificates attached to a user account.
func UserPredicate(s *Store) Predicate {
	return func(ctx context.Context, refID string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		users, err := s.Users()
		if err != nil {
			return false, err
		}
		for _, u := range users {
			if slices.Contains(u.CertRefs, refID) {
				return true, nil
			}
		}
		return false, nil
	}
}
