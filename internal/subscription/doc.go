// Package subscription implements the SubscriptionManager: it tracks live
// queries, folds every committed mutation into each affected query's
// materialized window and delivers diffed snapshots.
//
// # Delivery
//
// Deliveries happen in rounds. A round starts when a mutation (or a
// Subscribe or SetLimit call) reports a change, runs every affected
// callback in subscription order, and ends only when the notification
// queue is empty. Rounds never overlap, so a query never observes a
// half-applied write.
//
// Callbacks receive a context marked as belonging to the round. Mutations
// issued with that context are queued instead of delivered recursively;
// the running round picks them up before the outermost mutation returns.
// A callback that mutates with an unrelated context deadlocks.
//
// A snapshot is delivered only when the ordered id list or an included
// entity's attributes differ (by value) from the previous delivery.
package subscription
