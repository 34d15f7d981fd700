package schema

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrVersionMismatch signals that two pipeline components were handed
	// different schema versions for the same prediction. This is always a
	// deployment bug, never a recoverable client error.
	ErrVersionMismatch = errors.New("feature schema version mismatch")

	ErrUnknownVersion = errors.New("unknown feature schema version")
)

type ValueType string

const (
	TypeNumeric     ValueType = "numeric"
	TypeBoolean     ValueType = "boolean"
	TypeCategorical ValueType = "categorical"
)

// Aggregations applied by the temporal feature synthesizer.
const (
	AggCount         = "count"
	AggMean          = "mean"
	AggMin           = "min"
	AggMax           = "max"
	AggLast          = "last"
	AggTimeSinceLast = "time_since_last"
	AggFrequency     = "frequency"
	AggPresent       = "present"
	AggLastCode      = "last_code"
)

// Missing-value policies applied when no qualifying event exists in the
// lookback window.
const (
	MissingZero           = "zero"
	MissingSentinel       = "sentinel"
	MissingPopulationMean = "population_mean"
	MissingDefaultCode    = "default_code"
)

type MissingPolicy struct {
	Policy string  `yaml:"policy"`
	Value  float64 `yaml:"value,omitempty"`
	Code   string  `yaml:"code,omitempty"`
}

// Derivation recomputes a feature from two other features. Both synthesis
// and what-if perturbation use the same rule, so derived slots never go
// stale when an operand is overridden.
type Derivation struct {
	Op    string `yaml:"op"` // ratio, difference, sum
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
}

// Entry describes one slot of the feature vector. Entries are immutable
// once a schema version is published.
type Entry struct {
	Name        string        `yaml:"name"`
	Type        ValueType     `yaml:"type"`
	EventType   string        `yaml:"event_type,omitempty"`
	ItemID      string        `yaml:"item_id,omitempty"`
	Aggregation string        `yaml:"aggregation,omitempty"`
	Min         *float64      `yaml:"min,omitempty"`
	Max         *float64      `yaml:"max,omitempty"`
	Categories  []string      `yaml:"categories,omitempty"`
	Missing     MissingPolicy `yaml:"missing"`
	Derived     *Derivation   `yaml:"derived,omitempty"`
}

type Schema struct {
	Version string  `yaml:"version"`
	Entries []Entry `yaml:"features"`

	index  map[string]int
	owners []int
	cols   []string
}

// Registry holds every published schema version. It is loaded once at
// startup and read-only afterwards; publishing a new version is a redeploy,
// not a live mutation.
type Registry struct {
	current  string
	versions map[string]*Schema
}

type registryDoc struct {
	Current string    `yaml:"current"`
	Schemas []*Schema `yaml:"schemas"`
}

func LoadRegistry(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema registry: %w", err)
	}
	return ParseRegistry(content)
}

func ParseRegistry(content []byte) (*Registry, error) {
	var doc registryDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse schema registry: %w", err)
	}
	if doc.Current == "" {
		return nil, fmt.Errorf("schema registry missing current version")
	}
	reg := &Registry{current: doc.Current, versions: make(map[string]*Schema)}
	for _, s := range doc.Schemas {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("schema %q: %w", s.Version, err)
		}
		if _, ok := reg.versions[s.Version]; ok {
			return nil, fmt.Errorf("duplicate schema version %q", s.Version)
		}
		s.buildIndex()
		reg.versions[s.Version] = s
	}
	if _, ok := reg.versions[doc.Current]; !ok {
		return nil, fmt.Errorf("current version %q not among published schemas", doc.Current)
	}
	return reg, nil
}

func (r *Registry) Current() string {
	return r.current
}

func (r *Registry) Resolve(version string) (*Schema, error) {
	s, ok := r.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	return s, nil
}

// CurrentSchema is a convenience for the common single-version lookup.
func (r *Registry) CurrentSchema() *Schema {
	s := r.versions[r.current]
	return s
}

func (s *Schema) validate() error {
	if s.Version == "" {
		return fmt.Errorf("missing version")
	}
	if len(s.Entries) == 0 {
		return fmt.Errorf("no features declared")
	}
	seen := make(map[string]bool, len(s.Entries))
	byName := make(map[string]*Entry, len(s.Entries))
	for i := range s.Entries {
		byName[s.Entries[i].Name] = &s.Entries[i]
	}
	for _, e := range s.Entries {
		if e.Name == "" {
			return fmt.Errorf("feature with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate feature %q", e.Name)
		}
		seen[e.Name] = true

		switch e.Type {
		case TypeNumeric, TypeBoolean, TypeCategorical:
		default:
			return fmt.Errorf("feature %q: unknown type %q", e.Name, e.Type)
		}

		if e.Type == TypeCategorical {
			if len(e.Categories) == 0 {
				return fmt.Errorf("feature %q: categorical without categories", e.Name)
			}
			if e.Missing.Policy == MissingDefaultCode && !contains(e.Categories, e.Missing.Code) {
				return fmt.Errorf("feature %q: default code %q not in categories", e.Name, e.Missing.Code)
			}
		}

		if e.Min != nil && e.Max != nil && *e.Min >= *e.Max {
			return fmt.Errorf("feature %q: empty range [%v, %v]", e.Name, *e.Min, *e.Max)
		}

		if e.Derived != nil {
			if e.Type != TypeNumeric {
				return fmt.Errorf("feature %q: derived features must be numeric", e.Name)
			}
			switch e.Derived.Op {
			case "ratio", "difference", "sum":
			default:
				return fmt.Errorf("feature %q: unknown derivation op %q", e.Name, e.Derived.Op)
			}
			for _, operand := range []string{e.Derived.Left, e.Derived.Right} {
				dep, ok := byName[operand]
				if !ok {
					return fmt.Errorf("feature %q: derivation operand %q not declared", e.Name, operand)
				}
				if dep.Derived != nil {
					return fmt.Errorf("feature %q: derivation operand %q is itself derived", e.Name, operand)
				}
				if dep.Type != TypeNumeric {
					return fmt.Errorf("feature %q: derivation operand %q is not numeric", e.Name, operand)
				}
			}
			continue
		}

		if err := validAggregation(e); err != nil {
			return err
		}
	}
	return nil
}

func validAggregation(e Entry) error {
	switch e.Type {
	case TypeNumeric:
		switch e.Aggregation {
		case AggCount, AggMean, AggMin, AggMax, AggLast, AggTimeSinceLast, AggFrequency:
			return nil
		}
	case TypeBoolean:
		if e.Aggregation == AggPresent {
			return nil
		}
	case TypeCategorical:
		if e.Aggregation == AggLastCode {
			return nil
		}
	}
	return fmt.Errorf("feature %q: aggregation %q not valid for type %q", e.Name, e.Aggregation, e.Type)
}

func (s *Schema) buildIndex() {
	s.index = make(map[string]int, len(s.Entries))
	for i, e := range s.Entries {
		s.index[e.Name] = i
	}
	s.cols = nil
	s.owners = nil
	for i, e := range s.Entries {
		if e.Type == TypeCategorical {
			for _, cat := range e.Categories {
				s.cols = append(s.cols, e.Name+"="+cat)
				s.owners = append(s.owners, i)
			}
			continue
		}
		s.cols = append(s.cols, e.Name)
		s.owners = append(s.owners, i)
	}
}

// Index returns the slot position of a feature by name.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// EncodedColumns lists the numeric design-matrix columns: one per numeric
// or boolean feature, one per declared category for categorical features.
func (s *Schema) EncodedColumns() []string {
	return s.cols
}

// ColumnOwners maps each encoded column back to the owning feature slot,
// used to fold one-hot contributions into per-feature attributions.
func (s *Schema) ColumnOwners() []int {
	return s.owners
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
