package cohort

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clinsight-ai/platform/pkg/ehr"
)

// Clause is one demographic filter, e.g. `gender = F` or `age > 65`.
type Clause struct {
	Field    string
	Operator string
	Value    string
}

// Selector picks a patient cohort by filtering on demographic events.
type Selector struct {
	Clauses []Clause
	Limit   int
}

var (
	whereRegex  = regexp.MustCompile(`where\s+(.+?)(?:\s+limit|$)`)
	limitRegex  = regexp.MustCompile(`limit\s+(\d+)`)
	clauseRegex = regexp.MustCompile(`([a-zA-Z0-9_]+)\s*(=|!=|>=|<=|>|<)\s*([^\s]+)`)
)

// Parse reads a cohort expression of the form
//
//	select patients [where field op value [and ...]] [limit n]
func Parse(input string) (Selector, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return Selector{}, nil
	}
	if !strings.HasPrefix(input, "select patients") {
		return Selector{}, fmt.Errorf("cohort expression must start with 'select patients'")
	}

	var sel Selector
	if whereMatch := whereRegex.FindStringSubmatch(input); len(whereMatch) >= 2 {
		clauses := clauseRegex.FindAllStringSubmatch(whereMatch[1], -1)
		for _, match := range clauses {
			if len(match) < 4 {
				continue
			}
			sel.Clauses = append(sel.Clauses, Clause{
				Field:    strings.TrimSpace(match[1]),
				Operator: match[2],
				Value:    strings.TrimSpace(match[3]),
			})
		}
		if len(sel.Clauses) == 0 {
			return Selector{}, fmt.Errorf("where clause without any valid filter")
		}
	}
	if limitMatch := limitRegex.FindStringSubmatch(input); len(limitMatch) >= 2 {
		fmt.Sscanf(limitMatch[1], "%d", &sel.Limit)
	}
	return sel, nil
}

// Select evaluates the selector against the event store's demographic
// events and returns matching patient ids in a stable order.
func Select(ctx context.Context, store ehr.Store, sel Selector) ([]string, error) {
	ids, err := store.PatientIDs(ctx)
	if err != nil {
		return nil, err
	}

	if len(sel.Clauses) > 0 {
		events, err := store.EventsByType(ctx, "demographic", nil)
		if err != nil {
			return nil, err
		}
		// latest demographic value per patient per item
		demographics := make(map[string]map[string]demographicValue)
		for _, e := range events {
			byItem, ok := demographics[e.PatientID]
			if !ok {
				byItem = make(map[string]demographicValue)
				demographics[e.PatientID] = byItem
			}
			byItem[strings.ToLower(e.ItemID)] = demographicValue{num: e.Value, code: strings.ToLower(e.Code)}
		}

		var kept []string
		for _, id := range ids {
			if matches(demographics[id], sel.Clauses) {
				kept = append(kept, id)
			}
		}
		ids = kept
	}

	if sel.Limit > 0 && len(ids) > sel.Limit {
		ids = ids[:sel.Limit]
	}
	return ids, nil
}

type demographicValue struct {
	num  float64
	code string
}

func matches(byItem map[string]demographicValue, clauses []Clause) bool {
	if byItem == nil {
		return false
	}
	for _, c := range clauses {
		v, ok := byItem[c.Field]
		if !ok {
			return false
		}
		if !matchClause(v, c) {
			return false
		}
	}
	return true
}

func matchClause(v demographicValue, c Clause) bool {
	if threshold, err := strconv.ParseFloat(c.Value, 64); err == nil {
		switch c.Operator {
		case "=":
			return v.num == threshold
		case "!=":
			return v.num != threshold
		case ">":
			return v.num > threshold
		case "<":
			return v.num < threshold
		case ">=":
			return v.num >= threshold
		case "<=":
			return v.num <= threshold
		}
		return false
	}
	switch c.Operator {
	case "=":
		return v.code == c.Value
	case "!=":
		return v.code != c.Value
	}
	return false
}
