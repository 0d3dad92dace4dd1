package platforms

import "strings"

// Set is an insertion-ordered set of targets.
type Set []*Target

func NewSet(ts ...*Target) Set {
	var s Set
	for _, t := range ts {
		s = s.Add(t)
	}
	return s
}

func (s Set) Contains(t *Target) bool {
	for _, x := range s {
		if x == t {
			return true
		}
	}
	return false
}

func (s Set) ContainsAll(o Set) bool {
	for _, t := range o {
		if !s.Contains(t) {
			return false
		}
	}
	return true
}

func (s Set) Add(t *Target) Set {
	if t == nil || s.Contains(t) {
		return s
	}
	return append(s, t)
}

func (s Set) Union(o Set) Set {
	for _, t := range o {
		s = s.Add(t)
	}
	return s
}

func (s Set) Remove(t *Target) (Set, bool) {
	for i, x := range s {
		if x == t {
			return append(s[:i:i], s[i+1:]...), true
		}
	}
	return s, false
}

func (s Set) Clone() Set { return append(Set(nil), s...) }

func (s Set) Names() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.Name
	}
	return out
}

func (s Set) String() string { return strings.Join(s.Names(), ",") }
