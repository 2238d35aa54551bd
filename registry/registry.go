// Package registry publishes and resolves the address of tcp-mode workers.
//
// A worker started with --listen publishes its routable address under a name;
// clients configured with that name resolve the address instead of spawning a
// local worker process.
package registry

import (
	"context"

	"golang.org/x/xerrors"
)

// ErrNotFound is returned when no worker is registered under a name.
var ErrNotFound = xerrors.New("no worker registered")

type Instance struct {
	Addr    string
	Version string
}

type Registry interface {
	Register(ctx context.Context, name string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]Instance, error)
}

// Resolver turns a worker name into a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// StaticResolver always resolves to the same address.
type StaticResolver string

func (r StaticResolver) Resolve(context.Context, string) (string, error) {
	if r == "" {
		return "", ErrNotFound
	}
	return string(r), nil
}

type registryResolver struct {
	reg Registry
}

// NewResolver resolves names through reg. With several workers registered
// under one name the first is used; the bridge drives a single worker.
func NewResolver(reg Registry) Resolver {
	return registryResolver{reg: reg}
}

func (r registryResolver) Resolve(ctx context.Context, name string) (string, error) {
	instances, err := r.reg.Discover(ctx, name)
	if err != nil {
		return "", xerrors.Errorf("discover %s: %w", name, err)
	}
	if len(instances) == 0 {
		return "", xerrors.Errorf("%s: %w", name, ErrNotFound)
	}
	return instances[0].Addr, nil
}
