// Package hook computes which before/after callbacks apply to a given event
// handler. Resolution is a pure function over an ordered configuration list;
// running the callbacks is the commander's job.
package hook

// Hook pairs a callback name with an optional filter over handler names.
//
// At most one of Only and Except may be set:
//   - neither set: the hook applies to every handler
//   - Only set: the hook applies iff the handler name is listed
//   - Except set: the hook applies unless the handler name is listed
type Hook struct {
	Name   string
	Only   []string
	Except []string
}

// Matches reports whether the hook applies to the named handler.
func (h Hook) Matches(handlerName string) bool {
	if len(h.Only) > 0 {
		return contains(h.Only, handlerName)
	}
	if len(h.Except) > 0 {
		return !contains(h.Except, handlerName)
	}
	return true
}

// Valid reports whether the hook's filter configuration is well formed.
func (h Hook) Valid() bool {
	return len(h.Only) == 0 || len(h.Except) == 0
}

// Resolve returns, in configuration order, the names of the hooks that apply
// to the named handler. An empty configuration yields an empty result.
func Resolve(handlerName string, hooks []Hook) []string {
	var out []string
	for _, h := range hooks {
		if h.Matches(handlerName) {
			out = append(out, h.Name)
		}
	}
	return out
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
