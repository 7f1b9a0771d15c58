package graph

import (
	"regexp"
	"slices"

	"github.com/samcharles93/ptq/internal/framework"
)

// Matcher selects nodes.
type Matcher func(*Node) bool

// ByKind matches nodes of any of the given kinds.
func ByKind(kinds ...framework.Kind) Matcher {
	return func(n *Node) bool { return slices.Contains(kinds, n.Kind) }
}

// ByName matches nodes with any of the given names.
func ByName(names ...string) Matcher {
	return func(n *Node) bool { return slices.Contains(names, n.Name) }
}

// ByNameRegexp matches nodes whose name matches re.
func ByNameRegexp(re *regexp.Regexp) Matcher {
	return func(n *Node) bool { return re.MatchString(n.Name) }
}

// And matches nodes accepted by every matcher.
func And(ms ...Matcher) Matcher {
	return func(n *Node) bool {
		for _, m := range ms {
			if !m(n) {
				return false
			}
		}
		return true
	}
}

// Or matches nodes accepted by any matcher.
func Or(ms ...Matcher) Matcher {
	return func(n *Node) bool {
		for _, m := range ms {
			if m(n) {
				return true
			}
		}
		return false
	}
}

// Not inverts m.
func Not(m Matcher) Matcher {
	return func(n *Node) bool { return !m(n) }
}
