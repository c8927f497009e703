// Package plan defines the structured query plan — a strongly-typed
// intermediate representation of an analytic query — and its
// deterministic compiler to a single SELECT statement.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/sift-analytics/sift/internal/domain"
)

// Aggregation functions allowed in a select item.
var aggregateFns = map[string]string{
	"count":          "COUNT",
	"count_distinct": "COUNT_DISTINCT", // rendered as COUNT(DISTINCT col)
	"sum":            "SUM",
	"avg":            "AVG",
	"min":            "MIN",
	"max":            "MAX",
}

// Filter operators.
var validOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"in": true, "between": true,
	"contains": true, "startswith": true, "endswith": true,
	"is_null": true, "is_not_null": true,
}

// Plan is a structured analytic query over one table of one dataset.
type Plan struct {
	DatasetID string       `json:"dataset_id"`
	Table     string       `json:"table"`
	Select    []SelectItem `json:"select"`
	Filters   []Filter     `json:"filters,omitempty"`
	GroupBy   []string     `json:"group_by,omitempty"`
	OrderBy   []OrderItem  `json:"order_by,omitempty"`
	Limit     *int         `json:"limit,omitempty"`
}

// SelectItem is either a plain column (Fn empty) or an aggregation over
// a column. In JSON a plain column is a bare string; an aggregation is
// `{"fn": ..., "column": ..., "alias": ...}`.
type SelectItem struct {
	Column string
	Fn     string
	Alias  string
}

// Aggregated reports whether the item applies an aggregation function.
func (s SelectItem) Aggregated() bool { return s.Fn != "" }

type selectItemObject struct {
	Fn     string `json:"fn,omitempty"`
	Column string `json:"column"`
	Alias  string `json:"alias,omitempty"`
}

func (s *SelectItem) UnmarshalJSON(data []byte) error {
	var col string
	if err := json.Unmarshal(data, &col); err == nil {
		s.Column = col
		s.Fn = ""
		s.Alias = ""
		return nil
	}
	var obj selectItemObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("select item must be a column name or {fn, column, alias}: %w", err)
	}
	s.Column = obj.Column
	s.Fn = obj.Fn
	s.Alias = obj.Alias
	return nil
}

func (s SelectItem) MarshalJSON() ([]byte, error) {
	if !s.Aggregated() && s.Alias == "" {
		return json.Marshal(s.Column)
	}
	return json.Marshal(selectItemObject{Fn: s.Fn, Column: s.Column, Alias: s.Alias})
}

// Filter is one predicate of the WHERE clause. Value is unused for
// is_null / is_not_null, a list for in, and a 2-element list for between.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value,omitempty"`
}

// OrderItem is one ORDER BY directive.
type OrderItem struct {
	Column string `json:"column"`
	Dir    string `json:"dir,omitempty"` // asc (default) or desc
}

// Parse decodes a plan from JSON, rejecting unknown shapes with a
// PLAN_VALIDATION_ERROR.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, domain.NewRunError(domain.ErrPlanValidation, "malformed plan: %v", err)
	}
	return &p, nil
}
