package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// PresenceState is a channel's presence table: presence key -> one
// meta per tracking connection. A key with several metas is one logical
// user with several sessions (tabs, devices).
type PresenceState struct {
	mu    sync.RWMutex
	state map[string][]presenceMeta
}

type presenceMeta struct {
	connID  string
	phxRef  string
	payload map[string]any
}

// NewPresenceState creates a new presence state
func NewPresenceState() *PresenceState {
	return &PresenceState{
		state: make(map[string][]presenceMeta),
	}
}

// Track adds or replaces the meta of connID under key. It returns the
// new meta and, when connID was already tracked, the meta it replaced
// (nil otherwise). Re-tracking keeps the entry's position under the key
// so the first session of a user stays first.
func (ps *PresenceState) Track(key, connID string, payload map[string]any) (joined, replaced map[string]any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta := presenceMeta{
		connID:  connID,
		phxRef:  uuid.NewString()[:8],
		payload: payload,
	}

	metas := ps.state[key]
	for i, m := range metas {
		if m.connID == connID {
			metas[i] = meta
			return meta.toMap(), m.toMap()
		}
	}
	ps.state[key] = append(metas, meta)
	return meta.toMap(), nil
}

// Untrack removes connID's meta under key and returns what left.
func (ps *PresenceState) Untrack(key, connID string) []map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.untrackLocked(key, connID)
}

func (ps *PresenceState) untrackLocked(key, connID string) []map[string]any {
	var leaves []map[string]any
	var remaining []presenceMeta
	for _, m := range ps.state[key] {
		if m.connID == connID {
			leaves = append(leaves, m.toMap())
		} else {
			remaining = append(remaining, m)
		}
	}

	if len(remaining) == 0 {
		delete(ps.state, key)
	} else {
		ps.state[key] = remaining
	}
	return leaves
}

// UntrackConn removes every meta owned by connID, grouped by key.
func (ps *PresenceState) UntrackConn(connID string) map[string][]map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	leaves := make(map[string][]map[string]any)
	for key := range ps.state {
		if left := ps.untrackLocked(key, connID); len(left) > 0 {
			leaves[key] = left
		}
	}
	return leaves
}

// GetState returns a deep-enough copy of the table for broadcasting.
func (ps *PresenceState) GetState() map[string][]map[string]any {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := make(map[string][]map[string]any, len(ps.state))
	for key, metas := range ps.state {
		list := make([]map[string]any, len(metas))
		for i, m := range metas {
			list[i] = m.toMap()
		}
		result[key] = list
	}
	return result
}

// Len returns the number of presence keys.
func (ps *PresenceState) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.state)
}

func (m presenceMeta) toMap() map[string]any {
	result := make(map[string]any, len(m.payload)+1)
	for k, v := range m.payload {
		result[k] = v
	}
	result["phx_ref"] = m.phxRef
	return result
}
