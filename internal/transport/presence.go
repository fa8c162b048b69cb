package transport

import (
	"encoding/json"
	"fmt"
)

// metasEntry is the Phoenix {"metas": [...]} wrapper used by
// presence_state and presence_diff frames.
type metasEntry struct {
	Metas []map[string]any `json:"metas"`
}

// decodeEntries parses a {"key": {"metas": [...]}} object.
func decodeEntries(raw json.RawMessage) (Snapshot, error) {
	out := Snapshot{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var entries map[string]metasEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode presence entries: %w", err)
	}
	for key, entry := range entries {
		if len(entry.Metas) > 0 {
			out[key] = entry.Metas
		}
	}
	return out, nil
}

func phxRef(meta map[string]any) string {
	ref, _ := meta["phx_ref"].(string)
	return ref
}

func hasRef(metas []map[string]any, ref string) bool {
	for _, m := range metas {
		if phxRef(m) == ref {
			return true
		}
	}
	return false
}

// syncState replaces cur with next and reports whether any meta joined
// or left in the process.
func syncState(cur, next Snapshot) (Snapshot, bool, bool) {
	joined, left := false, false
	for key, metas := range next {
		for _, m := range metas {
			if !hasRef(cur[key], phxRef(m)) {
				joined = true
			}
		}
	}
	for key, metas := range cur {
		for _, m := range metas {
			if !hasRef(next[key], phxRef(m)) {
				left = true
			}
		}
	}
	return next, joined, left
}

// syncDiff applies joins then leaves to cur in place.
func syncDiff(cur, joins, leaves Snapshot) (bool, bool) {
	for key, metas := range joins {
		kept := make([]map[string]any, 0, len(cur[key])+len(metas))
		for _, m := range cur[key] {
			if !hasRef(metas, phxRef(m)) {
				kept = append(kept, m)
			}
		}
		cur[key] = append(kept, metas...)
	}
	for key, metas := range leaves {
		var kept []map[string]any
		for _, m := range cur[key] {
			if !hasRef(metas, phxRef(m)) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(cur, key)
		} else {
			cur[key] = kept
		}
	}
	return len(joins) > 0, len(leaves) > 0
}
