package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wallet_chat/internal/model"
	"wallet_chat/internal/utils/log"
)

type (
	// Profile is one directory entry. Aliases carries the "scheme,address"
	// keys the entry was found under, so a batched response can be
	// demultiplexed back to the requested addresses.
	Profile struct {
		DisplayName string   `json:"display_name"`
		AvatarURL   string   `json:"avatar_url"`
		PlatformID  int64    `json:"platform_id"`
		Aliases     []string `json:"aliases"`
	}

	// Directory is the batched social-identity lookup service.
	Directory interface {
		ResolveBatch(ctx context.Context, aliases []string) ([]Profile, error)
	}

	// NameService is the reverse-lookup naming service. An empty name
	// means no record.
	NameService interface {
		ReverseLookup(ctx context.Context, address string) (string, error)
	}

	// Resolver maps addresses to display identities through an ordered
	// fallback chain: directory, name service, abbreviated address. The
	// last step always succeeds, so Resolve never fails. Results are
	// cached for the process lifetime.
	Resolver struct {
		scheme string
		dir    Directory
		ns     NameService

		group singleflight.Group

		mu    sync.RWMutex
		cache map[string]model.ResolvedIdentity
	}
)

func NewResolver(scheme string, dir Directory, ns NameService) *Resolver {
	return &Resolver{
		scheme: scheme,
		dir:    dir,
		ns:     ns,
		cache:  make(map[string]model.ResolvedIdentity),
	}
}

// Abbreviate shortens an address to its first six and last four characters.
// The fallback label when no source knows the address.
func Abbreviate(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

func (r *Resolver) alias(address string) string {
	return fmt.Sprintf("%s,%s", r.scheme, address)
}

// Cached returns the cache entry for an address without triggering any
// lookup.
func (r *Resolver) Cached(address string) (model.ResolvedIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cache[model.CanonicalAddress(address)]
	return id, ok
}

// Resolve returns the display identity for one address. Concurrent calls
// for the same uncached address collapse into a single lookup.
func (r *Resolver) Resolve(ctx context.Context, address string) model.ResolvedIdentity {
	addr := model.CanonicalAddress(address)
	if id, ok := r.Cached(addr); ok {
		return id
	}

	v, _, _ := r.group.Do(addr, func() (any, error) {
		if id, ok := r.Cached(addr); ok {
			return id, nil
		}
		id := r.lookup(ctx, addr)
		r.put(id)
		return id, nil
	})
	return v.(model.ResolvedIdentity)
}

// ResolveAll resolves a set of addresses with one batched directory call
// covering every uncached address, then per-address fallbacks for the
// misses. The returned map has an entry for every input.
func (r *Resolver) ResolveAll(ctx context.Context, addresses []string) map[string]model.ResolvedIdentity {
	out := make(map[string]model.ResolvedIdentity, len(addresses))

	var missing []string
	for _, a := range addresses {
		addr := model.CanonicalAddress(a)
		if _, done := out[addr]; done {
			continue
		}
		if id, ok := r.Cached(addr); ok {
			out[addr] = id
			continue
		}
		missing = append(missing, addr)
		out[addr] = model.ResolvedIdentity{}
	}
	if len(missing) == 0 {
		return out
	}

	found := r.directoryBatch(ctx, missing)
	for _, addr := range missing {
		id, ok := found[addr]
		if !ok {
			id = r.fallback(ctx, addr)
		}
		r.put(id)
		out[addr] = id
	}
	return out
}

// lookup runs the full chain for one address.
func (r *Resolver) lookup(ctx context.Context, addr string) model.ResolvedIdentity {
	if found := r.directoryBatch(ctx, []string{addr}); len(found) > 0 {
		if id, ok := found[addr]; ok {
			return id
		}
	}
	return r.fallback(ctx, addr)
}

// directoryBatch issues one batched directory call and demultiplexes the
// response's alias lists back to the requested addresses. Failures are
// absorbed as "no data".
func (r *Resolver) directoryBatch(ctx context.Context, addrs []string) map[string]model.ResolvedIdentity {
	found := make(map[string]model.ResolvedIdentity)
	if r.dir == nil {
		return found
	}

	aliases := make([]string, len(addrs))
	for i, addr := range addrs {
		aliases[i] = r.alias(addr)
	}

	profiles, err := r.dir.ResolveBatch(ctx, aliases)
	if err != nil {
		log.Debug("directory batch lookup failed",
			zap.Int("addresses", len(addrs)), zap.Error(err))
		return found
	}

	for _, p := range profiles {
		for _, alias := range p.Aliases {
			addr, ok := r.addressFromAlias(alias)
			if !ok {
				continue
			}
			if p.DisplayName == "" {
				continue
			}
			found[addr] = model.ResolvedIdentity{
				Address:      addr,
				DisplayLabel: p.DisplayName,
				AvatarURL:    p.AvatarURL,
				PlatformID:   p.PlatformID,
			}
		}
	}
	return found
}

// fallback tries the name service, then abbreviates. Never fails.
func (r *Resolver) fallback(ctx context.Context, addr string) model.ResolvedIdentity {
	if r.ns != nil {
		name, err := r.ns.ReverseLookup(ctx, addr)
		if err != nil {
			log.Debug("reverse name lookup failed",
				zap.String("address", addr), zap.Error(err))
		} else if name != "" {
			return model.ResolvedIdentity{
				Address:      addr,
				DisplayLabel: name,
			}
		}
	}
	return model.ResolvedIdentity{
		Address:      addr,
		DisplayLabel: Abbreviate(addr),
	}
}

func (r *Resolver) addressFromAlias(alias string) (string, bool) {
	scheme, addr, ok := strings.Cut(alias, ",")
	if !ok || scheme != r.scheme {
		return "", false
	}
	return model.CanonicalAddress(addr), true
}

func (r *Resolver) put(id model.ResolvedIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cache[id.Address]; !exists {
		r.cache[id.Address] = id
	}
}
