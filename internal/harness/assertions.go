package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/store"
)

// evaluate checks every assertion and returns one message per failure.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.check(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return failures
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		e, err := h.nodes[a.Client].client.Get(ctx, a.Collection, a.ID)
		if err != nil {
			return fmt.Errorf("client %s: %s/%s: %w", a.Client, a.Collection, a.ID, err)
		}
		if a.Status != "" && string(e.SyncStatus) != a.Status {
			return fmt.Errorf("client %s: %s/%s: status %s, want %s", a.Client, a.Collection, a.ID, e.SyncStatus, a.Status)
		}
		return matchAttrs(e.Attributes, a.Attrs)

	case AssertMissing:
		_, err := h.nodes[a.Client].client.Get(ctx, a.Collection, a.ID)
		switch {
		case err == nil:
			return fmt.Errorf("client %s: %s/%s exists", a.Client, a.Collection, a.ID)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return nil

	case AssertServerEntity:
		e, ok := h.server.Entity(a.Collection, a.ID)
		if !ok || e.Deleted {
			return fmt.Errorf("server has no live %s/%s", a.Collection, a.ID)
		}
		return matchAttrs(e.Attributes, a.Attrs)

	case AssertOutboxCount:
		recs, err := h.nodes[a.Client].client.Outbox(ctx)
		if err != nil {
			return err
		}
		if len(recs) != *a.Count {
			return fmt.Errorf("client %s: outbox has %d records, want %d", a.Client, len(recs), *a.Count)
		}
		return nil

	case AssertDeliveryCount:
		got := h.nodes[a.Client].subs[a.Subscription].deliveries()
		if got != *a.Count {
			return fmt.Errorf("%s/%s: %d deliveries, want %d", a.Client, a.Subscription, got, *a.Count)
		}
		return nil

	case AssertLastDelivery:
		got := query.IDs(h.nodes[a.Client].subs[a.Subscription].lastResults())
		want := a.IDs
		if want == nil {
			want = []string{}
		}
		if !slices.Equal(got, want) {
			return fmt.Errorf("%s/%s: last delivery %v, want %v", a.Client, a.Subscription, got, want)
		}
		return nil

	case AssertConverged:
		return h.converged(ctx, a.Collection)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// converged compares every client's live entities of a collection with
// the authority's.
func (h *Harness) converged(ctx context.Context, collection string) error {
	server := h.server.Entities(collection)
	for _, name := range h.order {
		local, err := h.nodes[name].client.Fetch(ctx, query.Spec{Collection: collection})
		if err != nil {
			return err
		}
		if len(local) != len(server) {
			return fmt.Errorf("client %s has %d %s, server has %d", name, len(local), collection, len(server))
		}
		for i := range local {
			if local[i].ID != server[i].ID {
				return fmt.Errorf("client %s: %s[%d] is %s, server has %s", name, collection, i, local[i].ID, server[i].ID)
			}
			if !ir.Equal(local[i].Attributes, server[i].Attributes) {
				return fmt.Errorf("client %s: %s/%s differs from server", name, collection, local[i].ID)
			}
		}
	}
	return nil
}

// matchAttrs checks that every expected attribute is present with an
// equal value. A null expectation requires the attribute to be absent.
func matchAttrs(attrs ir.Object, want map[string]any) error {
	for _, k := range sortedKeys(want) {
		v, err := ir.FromGo(want[k])
		if err != nil {
			return fmt.Errorf("attrs.%s: %w", k, err)
		}
		got, ok := attrs[k]
		if _, isNull := v.(ir.Null); isNull {
			if ok {
				return fmt.Errorf("attrs.%s: present, want absent", k)
			}
			continue
		}
		if !ok {
			return fmt.Errorf("attrs.%s: missing", k)
		}
		if !ir.Equal(got, v) {
			return fmt.Errorf("attrs.%s: got %v, want %v", k, ir.ToGo(got), ir.ToGo(v))
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
