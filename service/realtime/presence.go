package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PresenceStore keeps per-channel presence entries with expiry. An entry is
// (key, ref): key is what subscribers see (a user id), ref tells apart
// several connections of the same key. Snapshot returns distinct live keys.
type PresenceStore interface {
	// Track adds or refreshes an entry. changed reports whether the visible
	// key set moved (new key, or expired entries swept on the way).
	Track(ctx context.Context, channel, key, ref string, ttl time.Duration) (changed bool, err error)
	Untrack(ctx context.Context, channel, key, ref string) (changed bool, err error)
	Snapshot(ctx context.Context, channel string) ([]string, error)
}

// MemoryPresence is a single-process PresenceStore.
type MemoryPresence struct {
	mu  sync.Mutex
	now func() time.Time
	// channel -> key -> ref -> expireAt
	entries map[string]map[string]map[string]time.Time
}

func NewMemoryPresence(now func() time.Time) *MemoryPresence {
	if now == nil {
		now = time.Now
	}
	return &MemoryPresence{now: now, entries: make(map[string]map[string]map[string]time.Time)}
}

func (p *MemoryPresence) Track(ctx context.Context, channel, key, ref string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	swept := p.sweepLocked(channel, now)

	keys := p.entries[channel]
	if keys == nil {
		keys = make(map[string]map[string]time.Time)
		p.entries[channel] = keys
	}
	refs, existed := keys[key]
	if !existed {
		refs = make(map[string]time.Time)
		keys[key] = refs
	}
	refs[ref] = now.Add(ttl)
	return swept || !existed, nil
}

func (p *MemoryPresence) Untrack(ctx context.Context, channel, key, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	swept := p.sweepLocked(channel, p.now())
	refs := p.entries[channel][key]
	if refs == nil {
		return swept, nil
	}
	delete(refs, ref)
	if len(refs) > 0 {
		return swept, nil
	}
	delete(p.entries[channel], key)
	return true, nil
}

func (p *MemoryPresence) Snapshot(ctx context.Context, channel string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked(channel, p.now())
	out := make([]string, 0, len(p.entries[channel]))
	for k := range p.entries[channel] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// sweepLocked drops expired refs and reports whether any key disappeared.
func (p *MemoryPresence) sweepLocked(channel string, now time.Time) bool {
	removed := false
	for key, refs := range p.entries[channel] {
		for ref, exp := range refs {
			if !exp.After(now) {
				delete(refs, ref)
			}
		}
		if len(refs) == 0 {
			delete(p.entries[channel], key)
			removed = true
		}
	}
	return removed
}
