// Package harness runs multi-client conformance scenarios against an
// in-process authority and records a deterministic delivery transcript.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_conflict
//	description: "Concurrent offline updates converge on the server's value"
//	clients: [a, b]
//	steps:
//	  - client: a
//	    insert: {collection: chats, id: c1, attrs: {name: general}}
//	  - client: b
//	    subscribe:
//	      name: chats
//	      query: {collection: chats, order: ["name asc"]}
//	  - client: a
//	    network: offline
//	  - server_write: {collection: chats, id: c2, attrs: {name: ops}}
//	assertions:
//	  - type: entity
//	    client: a
//	    collection: chats
//	    id: c1
//	    attrs: {name: general}
//	    status: synced
//	  - type: converged
//	    collection: chats
//
// Client actions are insert, update, delete, subscribe, unsubscribe,
// limit and network (offline|online). Server actions are server_write and
// server_remove. A step with expect_error passes only if its action fails
// with an error containing that text.
//
// # Assertion Types
//
//   - entity: a client's live entity matches attrs (subset) and status
//   - missing: a client has no live entity
//   - server_entity: the authority's live entity matches attrs
//   - outbox_count: a client's outbox length
//   - delivery_count: deliveries to a named live query
//   - last_delivery: ids of a live query's latest delivery
//   - converged: every client's live entities equal the authority's
//
// # Determinism
//
// Each client gets a memory store, a testutil.DeterministicClock and a
// testutil.SequenceIDs generator. After every step the harness waits for
// quiescence before recording deliveries, grouped by client and live
// query name. The same scenario always produces the same transcript,
// which RunWithGolden compares against testdata/golden with goldie.
package harness
