// Package gorawrcache is a client-side read-through cache for typed,
// hierarchically keyed entities served by a remote source.
//
// Each entity type gets its own [ops.Cache]: fresh items and query results
// are answered from memory, misses go to the remote, and every successful
// write drops the type's cached query results. A [Registry] ties the caches
// of an application together: it opens them, exposes their metrics, and
// binds a [coordinator.Coordinator] so that a write to one type can drop
// the query results of the types that depend on it.
//
//	reg := gorawrcache.New(gorawrcache.WithRules(widget.Rules()))
//	widgets, _ := reg.NewCache(widget.TypeWidget, src, ops.DefaultConfig())
//	_ = reg.Open(ctx)
//	res, _ := widgets.Query(ctx, query.Of(widget.Active{}))
package gorawrcache
