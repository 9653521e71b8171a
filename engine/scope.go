package engine

// Scope is a namespace of variables visible for binding. Nested scopes are
// owned by the meta-block that created them.
type Scope struct {
	Name   string     `json:"name"`
	ExpID  string     `json:"exp_id"`
	Owner  string     `json:"owner,omitempty"`
	Vars   []ScopeVar `json:"vars,omitempty"`
	Blocks []string   `json:"blocks,omitempty"`
}

// RegisterVariable adds v unless a var with the same identity exists.
// It reports whether the set changed.
func (s *Scope) RegisterVariable(v ScopeVar) bool {
	for _, existing := range s.Vars {
		if existing.Same(v) {
			return false
		}
	}
	s.Vars = append(s.Vars, v)
	return true
}

// RemoveVarsFromBlock drops every var produced by blockUUID.
func (s *Scope) RemoveVarsFromBlock(blockUUID string) int {
	kept := s.Vars[:0]
	removed := 0
	for _, v := range s.Vars {
		if v.BlockUUID == blockUUID {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	s.Vars = kept
	return removed
}

// HasVar reports whether a var with v's identity is registered.
func (s *Scope) HasVar(v ScopeVar) (ScopeVar, bool) {
	for _, existing := range s.Vars {
		if existing.Same(v) {
			return existing, true
		}
	}
	return ScopeVar{}, false
}

// IsRoot reports whether s is the experiment root scope.
func (s *Scope) IsRoot() bool {
	return s.Name == RootScope
}

func (s *Scope) addBlock(uuid string) {
	for _, id := range s.Blocks {
		if id == uuid {
			return
		}
	}
	s.Blocks = append(s.Blocks, uuid)
}

func (s *Scope) removeBlock(uuid string) {
	kept := s.Blocks[:0]
	for _, id := range s.Blocks {
		if id != uuid {
			kept = append(kept, id)
		}
	}
	s.Blocks = kept
}
