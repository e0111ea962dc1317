package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/query"
)

// Scenario is a multi-client conformance scenario: a list of steps run
// against one in-process authority, followed by assertions on the final
// caches.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Schema is a CUE schema path relative to the scenario file. Empty
	// means the built-in chat schema.
	Schema string `yaml:"schema,omitempty"`

	// Clients names the clients, in trace order. Every client starts
	// online.
	Clients []string `yaml:"clients"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one action field is set.
type Step struct {
	// Client runs the action. Server steps leave it empty.
	Client string `yaml:"client,omitempty"`

	Insert      *WriteStep     `yaml:"insert,omitempty"`
	Update      *WriteStep     `yaml:"update,omitempty"`
	Delete      *WriteStep     `yaml:"delete,omitempty"`
	Subscribe   *SubscribeStep `yaml:"subscribe,omitempty"`
	Unsubscribe string         `yaml:"unsubscribe,omitempty"`
	Limit       *LimitStep     `yaml:"limit,omitempty"`

	// Network is "offline" or "online".
	Network string `yaml:"network,omitempty"`

	ServerWrite  *WriteStep `yaml:"server_write,omitempty"`
	ServerRemove *WriteStep `yaml:"server_remove,omitempty"`

	// ExpectError, when set, must be a substring of the action's error.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// WriteStep addresses an entity and, for inserts and updates, carries
// attributes. For updates a null attribute removes the field.
type WriteStep struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Attrs      map[string]any `yaml:"attrs,omitempty"`
}

// SubscribeStep registers a named live query.
type SubscribeStep struct {
	Name  string    `yaml:"name"`
	Query QueryStep `yaml:"query"`
}

// QueryStep is the YAML form of query.Spec.
type QueryStep struct {
	Collection string      `yaml:"collection"`
	Where      []WhereStep `yaml:"where,omitempty"`
	// Order entries read "field asc" or "field desc".
	Order      []string `yaml:"order,omitempty"`
	Limit      int      `yaml:"limit,omitempty"`
	SyncStatus string   `yaml:"sync_status,omitempty"`
}

// WhereStep is one filter.
type WhereStep struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

// LimitStep changes a live query's limit.
type LimitStep struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

// Assertion checks final state after every step has run.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	Client     string `yaml:"client,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Attrs is a subset the entity's attributes must match.
	Attrs map[string]any `yaml:"attrs,omitempty"`

	// Status is the expected sync status, "pending" or "synced".
	Status string `yaml:"status,omitempty"`

	// Subscription and IDs are used by last_delivery.
	Subscription string   `yaml:"subscription,omitempty"`
	IDs          []string `yaml:"ids,omitempty"`

	// Count is used by outbox_count and delivery_count.
	Count *int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertEntity        = "entity"
	AssertMissing       = "missing"
	AssertServerEntity  = "server_entity"
	AssertOutboxCount   = "outbox_count"
	AssertDeliveryCount = "delivery_count"
	AssertLastDelivery  = "last_delivery"
	AssertConverged     = "converged"
)

// LoadScenario reads a scenario file. The schema path is resolved against
// the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Schema != "" && !filepath.IsAbs(s.Schema) {
		s.Schema = filepath.Join(filepath.Dir(path), s.Schema)
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks required fields and cross references.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	clients := make(map[string]bool, len(s.Clients))
	for _, c := range s.Clients {
		if c == "" || clients[c] {
			return fmt.Errorf("client names must be unique and non-empty, got %q", c)
		}
		clients[c] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	subs := make(map[string]bool)
	for i := range s.Steps {
		if err := s.Steps[i].validate(clients, subs); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i := range s.Assertions {
		if err := s.Assertions[i].validate(clients, subs); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

// Action names the step's action for traces.
func (st *Step) Action() string {
	switch {
	case st.Insert != nil:
		return "insert"
	case st.Update != nil:
		return "update"
	case st.Delete != nil:
		return "delete"
	case st.Subscribe != nil:
		return "subscribe"
	case st.Unsubscribe != "":
		return "unsubscribe"
	case st.Limit != nil:
		return "limit"
	case st.Network != "":
		return st.Network
	case st.ServerWrite != nil:
		return "server_write"
	case st.ServerRemove != nil:
		return "server_remove"
	default:
		return ""
	}
}

func (st *Step) validate(clients, subs map[string]bool) error {
	set := 0
	for _, ok := range []bool{
		st.Insert != nil, st.Update != nil, st.Delete != nil, st.Subscribe != nil,
		st.Unsubscribe != "", st.Limit != nil, st.Network != "",
		st.ServerWrite != nil, st.ServerRemove != nil,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	server := st.ServerWrite != nil || st.ServerRemove != nil
	switch {
	case server && st.Client != "":
		return fmt.Errorf("%s takes no client", st.Action())
	case !server && !clients[st.Client]:
		return fmt.Errorf("unknown client %q", st.Client)
	}

	for _, w := range []*WriteStep{st.Insert, st.Update, st.Delete, st.ServerWrite, st.ServerRemove} {
		if w == nil {
			continue
		}
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("%s: collection and id are required", st.Action())
		}
	}

	switch {
	case st.Network != "" && st.Network != "offline" && st.Network != "online":
		return fmt.Errorf("network must be offline or online, got %q", st.Network)
	case st.Subscribe != nil:
		name := subKey(st.Client, st.Subscribe.Name)
		if st.Subscribe.Name == "" || subs[name] {
			return fmt.Errorf("subscription names must be unique per client, got %q", st.Subscribe.Name)
		}
		if _, err := st.Subscribe.Query.Spec(); err != nil {
			return err
		}
		subs[name] = true
	case st.Unsubscribe != "":
		if !subs[subKey(st.Client, st.Unsubscribe)] {
			return fmt.Errorf("unknown subscription %q", st.Unsubscribe)
		}
	case st.Limit != nil:
		if !subs[subKey(st.Client, st.Limit.Name)] {
			return fmt.Errorf("unknown subscription %q", st.Limit.Name)
		}
	}
	return nil
}

func (a *Assertion) validate(clients, subs map[string]bool) error {
	needsClient := func() error {
		if !clients[a.Client] {
			return fmt.Errorf("%s: unknown client %q", a.Type, a.Client)
		}
		return nil
	}
	needsEntity := func() error {
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("%s: collection and id are required", a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertEntity, AssertMissing:
		if err := needsClient(); err != nil {
			return err
		}
		return needsEntity()
	case AssertServerEntity:
		return needsEntity()
	case AssertOutboxCount:
		if a.Count == nil {
			return fmt.Errorf("%s: count is required", a.Type)
		}
		return needsClient()
	case AssertDeliveryCount, AssertLastDelivery:
		if err := needsClient(); err != nil {
			return err
		}
		if !subs[subKey(a.Client, a.Subscription)] {
			return fmt.Errorf("%s: unknown subscription %q", a.Type, a.Subscription)
		}
		if a.Type == AssertDeliveryCount && a.Count == nil {
			return fmt.Errorf("%s: count is required", a.Type)
		}
		return nil
	case AssertConverged:
		if a.Collection == "" {
			return fmt.Errorf("%s: collection is required", a.Type)
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// Spec converts the YAML query into a validated query.Spec.
func (q QueryStep) Spec() (query.Spec, error) {
	spec := query.Spec{Collection: q.Collection, Limit: q.Limit}
	for i, w := range q.Where {
		op, err := ir.ParseOperator(w.Op)
		if err != nil {
			return query.Spec{}, fmt.Errorf("where[%d]: %w", i, err)
		}
		v, err := ir.FromGo(w.Value)
		if err != nil {
			return query.Spec{}, fmt.Errorf("where[%d]: %w", i, err)
		}
		spec.Where = append(spec.Where, ir.Filter{Field: w.Field, Op: op, Value: v})
	}
	for i, o := range q.Order {
		key, err := query.ParseOrder(o)
		if err != nil {
			return query.Spec{}, fmt.Errorf("order[%d]: %w", i, err)
		}
		spec.Order = append(spec.Order, key)
	}
	if q.SyncStatus != "" {
		st, err := ir.ParseSyncStatus(q.SyncStatus)
		if err != nil {
			return query.Spec{}, err
		}
		spec.SyncStatus = st
	}
	if err := query.Validate(spec); err != nil {
		return query.Spec{}, err
	}
	return spec, nil
}

func subKey(client, name string) string {
	return client + "/" + name
}
