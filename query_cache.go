package zorm

import (
	"sync"
)

// relationTemplateCache caches the fixed parts of relation queries.
// Keys are in the format "owner:relation:dialect:kind" (e.g. "zorm.User:roles:sqlite3:resolve").
var relationTemplateCache sync.Map

// resolveTemplate is a resolve query split around the owner key list:
// head + placeholders + tail.
type resolveTemplate struct {
	head string // "SELECT ... WHERE pivot.fk IN ("
	tail string // ") ORDER BY ..."
	args []any  // arguments of the join condition
}

func templateKey(owner, relation string, d *Dialect, kind string) string {
	return owner + ":" + relation + ":" + d.Name + ":" + kind
}

// getCachedResolveTemplate returns the cached template or nil.
func getCachedResolveTemplate(key string) *resolveTemplate {
	if cached, ok := relationTemplateCache.Load(key); ok {
		return cached.(*resolveTemplate)
	}
	return nil
}

func setCachedResolveTemplate(key string, t *resolveTemplate) {
	relationTemplateCache.Store(key, t)
}

// getCachedExistence returns the cached existence predicate.
func getCachedExistence(key string) (Expr, bool) {
	if cached, ok := relationTemplateCache.Load(key); ok {
		return cached.(Expr), true
	}
	return Expr{}, false
}

func setCachedExistence(key string, e Expr) {
	relationTemplateCache.Store(key, e)
}

// ClearRelationTemplateCache drops all cached relation query templates.
// Call it after changing a dialect's behavior at runtime (rare).
func ClearRelationTemplateCache() {
	relationTemplateCache.Range(func(k, _ any) bool {
		relationTemplateCache.Delete(k)
		return true
	})
}
