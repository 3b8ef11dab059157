package model

import (
	"fmt"
	"sort"
)

// Registry holds one arbiter per configured volume.
type Registry struct {
	arbiters map[string]*Arbiter
	names    []string
}

func NewRegistry(arbiters ...*Arbiter) (*Registry, error) {
	r := &Registry{arbiters: make(map[string]*Arbiter, len(arbiters))}
	for _, a := range arbiters {
		if _, dup := r.arbiters[a.Name()]; dup {
			return nil, fmt.Errorf("registry: duplicate volume %q", a.Name())
		}
		r.arbiters[a.Name()] = a
		r.names = append(r.names, a.Name())
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Get(name string) (*Arbiter, error) {
	a, ok := r.arbiters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return a, nil
}

// Names returns volume names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) All() []*Arbiter {
	out := make([]*Arbiter, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.arbiters[n])
	}
	return out
}
