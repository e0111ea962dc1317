// Package query evaluates declarative live-query specs against cached
// entities.
//
// A Spec selects one collection, filters it with conjunctive predicates,
// sorts by a list of keys and optionally truncates to a limit. Ties are
// always broken by entity id ascending, so the ordering is total and
// pagination is stable: raising Limit from N to N+K returns the first N
// entries unchanged followed by the next K.
//
// Window keeps a materialized top-Limit result up to date one entity at a
// time and reports when it cannot do so without a rescan.
package query
