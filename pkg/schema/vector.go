package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Value is one typed slot of a feature vector. Numeric and boolean values
// live in Num (booleans as 0/1); categorical values live in Code.
type Value struct {
	Type    ValueType `json:"type"`
	Num     float64   `json:"num,omitempty"`
	Code    string    `json:"code,omitempty"`
	Missing bool      `json:"missing,omitempty"`
}

// FeatureVector is the fixed-width representation of one patient's state as
// of a cutoff time. Slot order is exactly the schema's entry order; a
// mismatch is a contract violation, not a recoverable condition.
type FeatureVector struct {
	PatientID     string    `json:"patient_id"`
	CutoffTime    time.Time `json:"cutoff_time"`
	SchemaVersion string    `json:"schema_version"`
	Values        []Value   `json:"values"`
}

// NewVector allocates a vector for this schema with every slot set to its
// missing-value policy.
func (s *Schema) NewVector(patientID string, cutoff time.Time) *FeatureVector {
	v := &FeatureVector{
		PatientID:     patientID,
		CutoffTime:    cutoff,
		SchemaVersion: s.Version,
		Values:        make([]Value, len(s.Entries)),
	}
	for i, e := range s.Entries {
		v.Values[i] = e.MissingValue()
	}
	return v
}

// MissingValue materializes the entry's declared missing-value policy.
func (e Entry) MissingValue() Value {
	v := Value{Type: e.Type, Missing: true}
	switch e.Missing.Policy {
	case MissingSentinel, MissingPopulationMean:
		v.Num = e.Missing.Value
	case MissingDefaultCode:
		v.Code = e.Missing.Code
	case MissingZero, "":
		if e.Type == TypeCategorical && len(e.Categories) > 0 {
			v.Code = e.Categories[0]
		}
	}
	return v
}

func (v *FeatureVector) Clone() *FeatureVector {
	out := *v
	out.Values = make([]Value, len(v.Values))
	copy(out.Values, v.Values)
	return &out
}

// CheckVersion guards every cross-component hand-off of a vector.
func (s *Schema) CheckVersion(v *FeatureVector) error {
	if v.SchemaVersion != s.Version {
		return fmt.Errorf("%w: vector built against %q, schema is %q",
			ErrVersionMismatch, v.SchemaVersion, s.Version)
	}
	if len(v.Values) != len(s.Entries) {
		return fmt.Errorf("%w: vector has %d slots, schema declares %d",
			ErrVersionMismatch, len(v.Values), len(s.Entries))
	}
	return nil
}

// Encode expands the vector into the numeric design row matching
// EncodedColumns: numeric and boolean slots pass through, categorical slots
// become a one-hot block over the declared category set.
func (s *Schema) Encode(v *FeatureVector) ([]float64, error) {
	if err := s.CheckVersion(v); err != nil {
		return nil, err
	}
	row := make([]float64, 0, len(s.cols))
	for i, e := range s.Entries {
		val := v.Values[i]
		if e.Type == TypeCategorical {
			for _, cat := range e.Categories {
				if val.Code == cat {
					row = append(row, 1)
				} else {
					row = append(row, 0)
				}
			}
			continue
		}
		row = append(row, val.Num)
	}
	return row, nil
}

// ComputeDerived recomputes every derived slot from its operands. Synthesis
// and what-if perturbation both call this, so a derived feature can never
// disagree with the raw features it is built from.
func (s *Schema) ComputeDerived(v *FeatureVector) error {
	if err := s.CheckVersion(v); err != nil {
		return err
	}
	for i, e := range s.Entries {
		if e.Derived == nil {
			continue
		}
		left := v.Values[s.index[e.Derived.Left]]
		right := v.Values[s.index[e.Derived.Right]]
		if left.Missing || right.Missing {
			v.Values[i] = e.MissingValue()
			continue
		}
		var out float64
		switch e.Derived.Op {
		case "ratio":
			if right.Num == 0 {
				v.Values[i] = e.MissingValue()
				continue
			}
			out = left.Num / right.Num
		case "difference":
			out = left.Num - right.Num
		case "sum":
			out = left.Num + right.Num
		}
		v.Values[i] = Value{Type: TypeNumeric, Num: out}
	}
	return nil
}

// ValidateOverride checks a user-supplied replacement value against the
// entry's declared type and range and returns the typed slot value. The
// reason string names what was violated so callers can surface it.
func (e Entry) ValidateOverride(raw interface{}) (Value, string) {
	switch e.Type {
	case TypeNumeric:
		num, ok := toNumber(raw)
		if !ok {
			return Value{}, fmt.Sprintf("expected a number, got %T", raw)
		}
		if e.Min != nil && num < *e.Min {
			return Value{}, fmt.Sprintf("value %v below minimum %v", num, *e.Min)
		}
		if e.Max != nil && num > *e.Max {
			return Value{}, fmt.Sprintf("value %v above maximum %v", num, *e.Max)
		}
		return Value{Type: TypeNumeric, Num: num}, ""
	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Sprintf("expected a boolean, got %T", raw)
		}
		num := 0.0
		if b {
			num = 1.0
		}
		return Value{Type: TypeBoolean, Num: num}, ""
	case TypeCategorical:
		code, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Sprintf("expected a category string, got %T", raw)
		}
		if !contains(e.Categories, code) {
			return Value{}, fmt.Sprintf("category %q not in declared set %v", code, e.Categories)
		}
		return Value{Type: TypeCategorical, Code: code}, ""
	}
	return Value{}, fmt.Sprintf("unsupported type %q", e.Type)
}

func toNumber(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Display renders a slot for API responses using its declared type.
func (v Value) Display() interface{} {
	switch v.Type {
	case TypeBoolean:
		return v.Num > 0
	case TypeCategorical:
		return v.Code
	default:
		return v.Num
	}
}
