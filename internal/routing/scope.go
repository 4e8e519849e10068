package routing

import (
	"fmt"
	"path"
	"strings"

	"github.com/treelineapp/treeline/internal/util"
)

// Scope is one middleware scope keyed to a directory in the
// application tree.
type Scope struct {
	// Dir is the normalized directory the scope is registered at.
	// The empty string is the tree root.
	Dir string

	// Handler is the middleware step executed for routes in scope.
	Handler Middleware

	// Extend makes this scope compose with its ancestors: resolution
	// continues upward instead of stopping here. By default the
	// nearest scope silently replaces everything above it.
	Extend bool
}

// ScopeTree holds middleware scopes keyed by directory. Built once at
// startup; read-only thereafter.
type ScopeTree struct {
	scopes map[string]*Scope
}

// buildScopeTree constructs the tree, rejecting duplicate directories.
func buildScopeTree(defs []scopeDef) (*ScopeTree, error) {
	tree := &ScopeTree{scopes: make(map[string]*Scope, len(defs))}

	for _, def := range defs {
		if def.handler == nil {
			return nil, util.NewConfigError(def.dir, "middleware handler is nil")
		}
		if _, exists := tree.scopes[def.dir]; exists {
			return nil, util.NewConfigError(def.dir,
				fmt.Sprintf("duplicate middleware scope at %q", def.dir))
		}
		tree.scopes[def.dir] = &Scope{
			Dir:     def.dir,
			Handler: def.handler,
			Extend:  def.extend,
		}
	}

	return tree, nil
}

// Resolve computes the effective middleware chain for a route
// directory, in root-to-leaf execution order.
//
// The walk starts at the route's directory and moves toward the root.
// The first scope found terminates the walk — the nearest scope
// replaces, rather than composes with, everything above it — unless
// that scope is marked Extend, in which case the walk continues from
// its parent and the rule applies again. Levels without a scope are
// skipped and do not terminate the walk.
func (t *ScopeTree) Resolve(dir string) []*Scope {
	dir = normalizeDir(dir)

	var collected []*Scope
	for {
		if scope, ok := t.scopes[dir]; ok {
			collected = append(collected, scope)
			if !scope.Extend {
				break
			}
		}
		if dir == "" {
			break
		}
		dir = parentDir(dir)
	}

	// Collected nearest-first; execution order is root-to-leaf.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}

// Len returns the number of registered scopes.
func (t *ScopeTree) Len() int {
	return len(t.scopes)
}

// parentDir returns the parent of a normalized directory, with the
// empty string as the root.
func parentDir(dir string) string {
	parent := path.Dir(dir)
	if parent == "." || parent == "/" {
		return ""
	}
	return strings.Trim(parent, "/")
}
