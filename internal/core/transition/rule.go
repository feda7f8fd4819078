package transition

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule marks configuration errors found while materializing rules.
var ErrInvalidRule = errors.New("invalid transition rule")

// FromMode selects how a counter computes its from-set.
type FromMode string

const (
	FromDefaultLast FromMode = "DEFAULT_LAST"
	FromAnySeen     FromMode = "ANY_SEEN"
	FromSubset      FromMode = "SUBSET"
)

const (
	defaultSeenStateCap = 64
	defaultFanOutCap    = 16
	defaultBatchLimit   = 500
)

// CounterDefinition is an immutable, validated transition counter.
type CounterDefinition struct {
	Name          string
	ObjectType    string
	Attribute     string
	ToState       string
	FromMode      FromMode
	FromStates    []string
	UntilTerminal bool
}

// Validate enforces the materialization invariants of a counter definition.
func (d CounterDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: counter name must not be empty", ErrInvalidRule)
	}
	if d.Name == RawCounter {
		return fmt.Errorf("%w: counter %q: name is reserved", ErrInvalidRule, d.Name)
	}
	if d.ObjectType == "" {
		return fmt.Errorf("%w: counter %q: object type must not be empty", ErrInvalidRule, d.Name)
	}
	switch d.FromMode {
	case FromSubset:
		if len(d.FromStates) == 0 {
			return fmt.Errorf("%w: counter %q: SUBSET requires from_states", ErrInvalidRule, d.Name)
		}
	case FromAnySeen, FromDefaultLast:
		if len(d.FromStates) > 0 {
			return fmt.Errorf("%w: counter %q: %s must not carry from_states", ErrInvalidRule, d.Name, d.FromMode)
		}
	default:
		return fmt.Errorf("%w: counter %q: unknown from mode %q", ErrInvalidRule, d.Name, d.FromMode)
	}
	if (d.ToState != "") == d.UntilTerminal {
		return fmt.Errorf("%w: counter %q: exactly one of to_state or until_terminal must be set", ErrInvalidRule, d.Name)
	}
	return nil
}

// InferenceRule describes when an idle object gets a synthetic terminal transition.
type InferenceRule struct {
	ID              string
	ServiceID       string
	ObjectType      string
	Attribute       string
	IdleFor         time.Duration
	EmitState       string
	NonTerminalOnly bool
	EmitServiceID   string
	Reason          string
	BatchLimit      int
}

// Validate checks an inference rule for missing or contradictory settings.
func (r InferenceRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: inference rule id must not be empty", ErrInvalidRule)
	}
	if r.IdleFor <= 0 {
		return fmt.Errorf("%w: inference rule %q: idle_for must be positive", ErrInvalidRule, r.ID)
	}
	if r.EmitState == "" {
		return fmt.Errorf("%w: inference rule %q: emit_state must not be empty", ErrInvalidRule, r.ID)
	}
	if r.BatchLimit <= 0 {
		return fmt.Errorf("%w: inference rule %q: batch_limit must be positive", ErrInvalidRule, r.ID)
	}
	return nil
}

// ServiceRules is the materialized rule set of one service.
type ServiceRules struct {
	ServiceID    string
	SeenStateCap int
	FanOutCap    int
	Counters     []CounterDefinition
	Inference    []InferenceRule
	Fingerprint  string

	terminal map[Scope]map[string]bool
}

// CountersFor returns the counters that apply to an object type and attribute.
func (s *ServiceRules) CountersFor(objectType, attribute string) []CounterDefinition {
	var out []CounterDefinition
	for _, d := range s.Counters {
		if d.ObjectType != objectType {
			continue
		}
		if d.Attribute != "" && d.Attribute != attribute {
			continue
		}
		out = append(out, d)
	}
	return out
}

// SetTerminalStates replaces the terminal-state set of an object type and attribute.
func (s *ServiceRules) SetTerminalStates(objectType, attribute string, states ...string) {
	if s.terminal == nil {
		s.terminal = make(map[Scope]map[string]bool)
	}
	set := make(map[string]bool, len(states))
	for _, st := range states {
		set[st] = true
	}
	s.terminal[Scope{ServiceID: s.ServiceID, ObjectType: objectType, Attribute: attribute}] = set
}

// IsTerminal reports whether state is configured as terminal for the scope.
func (s *ServiceRules) IsTerminal(objectType, attribute, state string) bool {
	states := s.terminal[Scope{ServiceID: s.ServiceID, ObjectType: objectType, Attribute: attribute}]
	return states[state]
}

// HasInference reports whether any inference rule watches the scope.
func (s *ServiceRules) HasInference(objectType, attribute string) bool {
	for _, r := range s.Inference {
		if r.ObjectType == objectType && r.Attribute == attribute {
			return true
		}
	}
	return false
}

// RuleSet indexes materialized rules by service id.
type RuleSet struct {
	services map[string]*ServiceRules
}

// NewRuleSet indexes services by id. Duplicate ids are rejected.
func NewRuleSet(services []*ServiceRules) (*RuleSet, error) {
	rs := &RuleSet{services: make(map[string]*ServiceRules, len(services))}
	for _, s := range services {
		if _, exists := rs.services[s.ServiceID]; exists {
			return nil, fmt.Errorf("%w: service %q: duplicate service rules (check multiple YAML files)", ErrInvalidRule, s.ServiceID)
		}
		rs.services[s.ServiceID] = s
	}
	return rs, nil
}

// Service returns the rules for a service, or nil when none are configured.
func (rs *RuleSet) Service(serviceID string) *ServiceRules {
	if rs == nil {
		return nil
	}
	return rs.services[serviceID]
}

// Services returns all service rules ordered by id.
func (rs *RuleSet) Services() []*ServiceRules {
	if rs == nil {
		return nil
	}
	out := make([]*ServiceRules, 0, len(rs.services))
	for _, s := range rs.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// InferenceRules returns every inference rule across services.
func (rs *RuleSet) InferenceRules() []InferenceRule {
	var out []InferenceRule
	for _, s := range rs.Services() {
		out = append(out, s.Inference...)
	}
	return out
}

// rawServiceRules is the on-disk YAML shape of one service file.
type rawServiceRules struct {
	Service      string          `yaml:"service"`
	SeenStateCap *int            `yaml:"seen_state_cap"`
	FanOutCap    *int            `yaml:"fan_out_cap"`
	Objects      []rawObjectRule `yaml:"objects"`
}

type rawObjectRule struct {
	Type           string             `yaml:"type"`
	Attribute      string             `yaml:"attribute"`
	TerminalStates []string           `yaml:"terminal_states"`
	Counters       []rawCounter       `yaml:"counters"`
	Inference      []rawInferenceRule `yaml:"inference"`
}

type rawCounter struct {
	Name          string   `yaml:"name"`
	ToState       string   `yaml:"to_state"`
	From          string   `yaml:"from"`
	FromStates    []string `yaml:"from_states"`
	UntilTerminal bool     `yaml:"until_terminal"`
}

type rawInferenceRule struct {
	ID              string `yaml:"id"`
	IdleFor         string `yaml:"idle_for"`
	EmitState       string `yaml:"emit_state"`
	NonTerminalOnly *bool  `yaml:"non_terminal_only"`
	EmitService     string `yaml:"emit_service"`
	Reason          string `yaml:"reason"`
	BatchLimit      int    `yaml:"batch_limit"`
}

// LoadRuleDir loads one service rule file per *.yaml / *.yml in dir.
// A missing directory yields an empty rule set. Any malformed rule fails the whole load.
func LoadRuleDir(dir string) (*RuleSet, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return NewRuleSet(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("transition rule dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("transition rule path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading transition rule dir: %w", err)
	}

	var services []*ServiceRules
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading rule file %s: %w", path, err)
		}

		svc, err := ParseServiceRules(data)
		if err != nil {
			return nil, fmt.Errorf("rule file %s: %w", path, err)
		}
		if svc == nil {
			continue // empty / comment-only file
		}
		slog.Info("[RuleLoader] Loaded service rules",
			"service", svc.ServiceID,
			"file", e.Name(),
			"fingerprint", svc.Fingerprint)
		services = append(services, svc)
	}
	return NewRuleSet(services)
}

// ParseServiceRules parses and materializes one service rule document.
// Returns nil, nil for documents without a service name.
func ParseServiceRules(data []byte) (*ServiceRules, error) {
	var raw rawServiceRules
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if raw.Service == "" {
		return nil, nil
	}

	svc := &ServiceRules{
		ServiceID:    raw.Service,
		SeenStateCap: intOr(raw.SeenStateCap, defaultSeenStateCap),
		FanOutCap:    intOr(raw.FanOutCap, defaultFanOutCap),
		Fingerprint:  fmt.Sprintf("%x", sha256.Sum256(data)),
		terminal:     make(map[Scope]map[string]bool),
	}
	if svc.SeenStateCap < 0 || svc.FanOutCap < 0 {
		return nil, fmt.Errorf("%w: service %q: caps must be >= 0", ErrInvalidRule, raw.Service)
	}

	names := make(map[string]bool)
	inferenceIDs := make(map[string]bool)
	for _, obj := range raw.Objects {
		if obj.Type == "" {
			return nil, fmt.Errorf("%w: service %q: object type must not be empty", ErrInvalidRule, raw.Service)
		}
		if obj.Attribute == "" {
			return nil, fmt.Errorf("%w: service %q: object %q: attribute must not be empty", ErrInvalidRule, raw.Service, obj.Type)
		}

		scope := Scope{ServiceID: raw.Service, ObjectType: obj.Type, Attribute: obj.Attribute}
		if _, dup := svc.terminal[scope]; dup {
			return nil, fmt.Errorf("%w: service %q: object %q/%q declared twice", ErrInvalidRule, raw.Service, obj.Type, obj.Attribute)
		}
		terminal := make(map[string]bool, len(obj.TerminalStates))
		for _, st := range obj.TerminalStates {
			terminal[st] = true
		}
		svc.terminal[scope] = terminal

		for _, rc := range obj.Counters {
			def := CounterDefinition{
				Name:          rc.Name,
				ObjectType:    obj.Type,
				Attribute:     obj.Attribute,
				ToState:       rc.ToState,
				FromMode:      parseFromMode(rc.From),
				FromStates:    rc.FromStates,
				UntilTerminal: rc.UntilTerminal,
			}
			if err := def.Validate(); err != nil {
				return nil, fmt.Errorf("service %q: %w", raw.Service, err)
			}
			if names[def.Name] {
				return nil, fmt.Errorf("%w: service %q: duplicate counter name %q", ErrInvalidRule, raw.Service, def.Name)
			}
			names[def.Name] = true
			svc.Counters = append(svc.Counters, def)
		}

		for _, ri := range obj.Inference {
			rule, err := materializeInference(raw.Service, obj, ri)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", raw.Service, err)
			}
			if inferenceIDs[rule.ID] {
				return nil, fmt.Errorf("%w: service %q: duplicate inference rule id %q", ErrInvalidRule, raw.Service, rule.ID)
			}
			inferenceIDs[rule.ID] = true
			svc.Inference = append(svc.Inference, rule)
		}
	}
	return svc, nil
}

func materializeInference(serviceID string, obj rawObjectRule, ri rawInferenceRule) (InferenceRule, error) {
	rule := InferenceRule{
		ID:              ri.ID,
		ServiceID:       serviceID,
		ObjectType:      obj.Type,
		Attribute:       obj.Attribute,
		EmitState:       ri.EmitState,
		NonTerminalOnly: ri.NonTerminalOnly == nil || *ri.NonTerminalOnly,
		EmitServiceID:   ri.EmitService,
		Reason:          ri.Reason,
		BatchLimit:      ri.BatchLimit,
	}
	if rule.EmitServiceID == "" {
		rule.EmitServiceID = serviceID
	}
	if rule.Reason == "" {
		rule.Reason = "idle_timeout"
	}
	if rule.BatchLimit == 0 {
		rule.BatchLimit = defaultBatchLimit
	}
	if ri.IdleFor == "" {
		return InferenceRule{}, fmt.Errorf("%w: inference rule %q: idle_for must not be empty", ErrInvalidRule, ri.ID)
	}
	idle, err := ParseGranularity(ri.IdleFor)
	if err != nil {
		return InferenceRule{}, fmt.Errorf("%w: inference rule %q: %v", ErrInvalidRule, ri.ID, err)
	}
	rule.IdleFor = idle.Size
	return rule, rule.Validate()
}

func parseFromMode(s string) FromMode {
	if s == "" {
		return FromDefaultLast
	}
	return FromMode(strings.ToUpper(s))
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
