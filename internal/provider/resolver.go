package provider

import (
	"os/exec"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const resolverCacheSize = 32

// Resolver maps a provider's binary name to an executable path.
// Lookups are cached and concurrent lookups for the same binary share one
// PATH walk. A binary that is not on PATH resolves to its bare name, so
// its absence surfaces when the shell runs it.
type Resolver struct {
	overrides map[ID]string
	cache     *lru.Cache[string, string]
	group     singleflight.Group
	lookPath  func(string) (string, error)
}

// NewResolver creates a resolver. overrides maps a provider to an explicit
// binary path that bypasses PATH lookup.
func NewResolver(overrides map[ID]string) *Resolver {
	cache, err := lru.New[string, string](resolverCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	o := make(map[ID]string, len(overrides))
	for k, v := range overrides {
		if v != "" {
			o[k] = v
		}
	}
	return &Resolver{overrides: o, cache: cache, lookPath: exec.LookPath}
}

// Binary returns the executable for p.
func (r *Resolver) Binary(p *Provider) string {
	if path, ok := r.overrides[p.ID]; ok {
		return path
	}
	name := p.Binary
	if path, ok := r.cache.Get(name); ok {
		return path
	}
	v, _, _ := r.group.Do(name, func() (any, error) {
		path, err := r.lookPath(name)
		if err != nil {
			return name, nil
		}
		r.cache.Add(name, path)
		return path, nil
	})
	return v.(string)
}

// Available reports whether p's binary can be found.
func (r *Resolver) Available(p *Provider) bool {
	if path, ok := r.overrides[p.ID]; ok {
		_, err := r.lookPath(path)
		return err == nil
	}
	_, err := r.lookPath(r.Binary(p))
	return err == nil
}

// Forget drops cached lookups, e.g. after an install.
func (r *Resolver) Forget() {
	r.cache.Purge()
}
