// Package presence tracks who is online right now. The registry maps live
// connection ids to participants and is the single source of truth for
// presence snapshots; durable identity records live in the persistence layer.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/ember-chat/ember-chat/types"
)

type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*types.Participant
}

func NewRegistry() *Registry {
	return &Registry{byConn: make(map[string]*types.Participant)}
}

func (r *Registry) Register(connectionID string, p *types.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ConnectionID = connectionID
	r.byConn[connectionID] = p
}

func (r *Registry) Lookup(connectionID string) (*types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byConn[connectionID]
	return p, ok
}

// ByIdentity returns the connection currently associated with the given
// identity, if any.
func (r *Registry) ByIdentity(identityID string) (*types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byConn {
		if p.IdentityID == identityID {
			return p, true
		}
	}
	return nil, false
}

// Value returns a copy of the participant for the given connection.
func (r *Registry) Value(connectionID string) (types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byConn[connectionID]
	if !ok {
		return types.Participant{}, false
	}
	return *p, true
}

// Touch records an accepted message: bumps the message counter and the
// activity timestamp, returning the updated participant copy. Mutations go
// through the registry lock so concurrent snapshots stay consistent.
func (r *Registry) Touch(connectionID string, now time.Time) (types.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byConn[connectionID]
	if !ok {
		return types.Participant{}, false
	}
	p.MessageCount++
	p.LastActiveAt = now
	return *p, true
}

func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, connectionID)
}

// ListAll returns a snapshot copy of the currently registered participants,
// ordered by join time (then identity id, so the order is deterministic).
// Mutating the result does not affect the registry.
func (r *Registry) ListAll() []types.Participant {
	r.mu.RLock()
	all := make([]types.Participant, 0, len(r.byConn))
	for _, p := range r.byConn {
		all = append(all, *p)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].JoinedAt.Equal(all[j].JoinedAt) {
			return all[i].IdentityID < all[j].IdentityID
		}
		return all[i].JoinedAt.Before(all[j].JoinedAt)
	})
	return all
}

// Snapshot returns the presence entries for ListAll.
func (r *Registry) Snapshot() []types.PresenceEntry {
	all := r.ListAll()
	entries := make([]types.PresenceEntry, 0, len(all))
	for i := range all {
		entries = append(entries, all[i].PresenceEntry())
	}
	return entries
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
