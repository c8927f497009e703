package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sift-analytics/sift/internal/domain"
)

// Compiler turns a validated plan into a single SELECT statement. The
// compilation is total and deterministic: the same plan always yields
// byte-identical SQL.
type Compiler struct {
	// DefaultLimit is applied when a plan carries no limit.
	DefaultLimit int
	// MaxLimit clamps explicit limits.
	MaxLimit int
	// MaxColumnsWithoutAggregation is the exfiltration-heuristic
	// threshold: a plan with no aggregation and no limit selecting more
	// columns than this (or `*`) is rejected.
	MaxColumnsWithoutAggregation int
}

// NewCompiler returns a Compiler with the standard bounds.
func NewCompiler() *Compiler {
	return &Compiler{
		DefaultLimit:                 200,
		MaxLimit:                     10000,
		MaxColumnsWithoutAggregation: 20,
	}
}

var simpleIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Compile validates p against the dataset schema and emits SQL. All
// failures are PLAN_VALIDATION_ERROR except the unbounded-select check,
// which is EXFIL_HEURISTIC.
func (c *Compiler) Compile(p *Plan, ds *domain.Dataset) (string, error) {
	if p.Table == "" {
		return "", domain.NewRunError(domain.ErrPlanValidation, "plan is missing a table")
	}
	columns, ok := tableColumns(ds, p.Table)
	if !ok {
		return "", domain.NewRunError(domain.ErrPlanValidation, "unknown table %q in dataset %q", p.Table, ds.ID)
	}

	sel := p.Select
	if len(sel) == 0 {
		sel = []SelectItem{{Column: "*"}}
	}

	hasAgg := false
	for _, item := range sel {
		if item.Aggregated() {
			hasAgg = true
			break
		}
	}

	// Exfiltration heuristic: unbounded wide selects are rejected before
	// any further validation.
	if !hasAgg && p.Limit == nil {
		wide := len(sel) > c.MaxColumnsWithoutAggregation
		star := len(sel) == 1 && sel[0].Column == "*" && !sel[0].Aggregated()
		if star || wide {
			return "", domain.NewRunError(domain.ErrExfilHeuristic,
				"unbounded select over %q requires an explicit limit or aggregation", p.Table)
		}
	}

	grouped := make(map[string]bool, len(p.GroupBy))
	for _, col := range p.GroupBy {
		if !columns[col] {
			return "", domain.NewRunError(domain.ErrPlanValidation, "unknown group_by column %q", col)
		}
		grouped[col] = true
	}

	selectParts := make([]string, 0, len(sel))
	aliases := make(map[string]bool)
	for _, item := range sel {
		part, err := c.renderSelectItem(item, columns)
		if err != nil {
			return "", err
		}
		selectParts = append(selectParts, part)
		if item.Alias != "" {
			aliases[item.Alias] = true
		}
		// Aggregation rule: every non-aggregated selected column must be grouped.
		if hasAgg && !item.Aggregated() && !grouped[item.Column] {
			return "", domain.NewRunError(domain.ErrPlanValidation,
				"column %q must appear in group_by when aggregations are selected", item.Column)
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectParts, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(p.Table))

	if len(p.Filters) > 0 {
		preds := make([]string, 0, len(p.Filters))
		for _, f := range p.Filters {
			pred, err := renderFilter(f, columns)
			if err != nil {
				return "", err
			}
			preds = append(preds, pred)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(preds, " AND "))
	}

	if len(p.GroupBy) > 0 {
		quoted := make([]string, len(p.GroupBy))
		for i, col := range p.GroupBy {
			quoted[i] = quoteIdent(col)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(quoted, ", "))
	}

	if len(p.OrderBy) > 0 {
		parts := make([]string, 0, len(p.OrderBy))
		for _, o := range p.OrderBy {
			if !columns[o.Column] && !aliases[o.Column] {
				return "", domain.NewRunError(domain.ErrPlanValidation, "unknown order_by column %q", o.Column)
			}
			dir := strings.ToLower(o.Dir)
			switch dir {
			case "", "asc":
				parts = append(parts, quoteIdent(o.Column))
			case "desc":
				parts = append(parts, quoteIdent(o.Column)+" DESC")
			default:
				return "", domain.NewRunError(domain.ErrPlanValidation, "invalid order direction %q", o.Dir)
			}
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	limit := c.DefaultLimit
	if p.Limit != nil {
		limit = *p.Limit
		if limit <= 0 {
			return "", domain.NewRunError(domain.ErrPlanValidation, "limit must be positive")
		}
		if limit > c.MaxLimit {
			limit = c.MaxLimit
		}
	}
	fmt.Fprintf(&sb, " LIMIT %d", limit)

	return sb.String(), nil
}

func (c *Compiler) renderSelectItem(item SelectItem, columns map[string]bool) (string, error) {
	if item.Alias != "" && !simpleIdentRe.MatchString(item.Alias) {
		return "", domain.NewRunError(domain.ErrPlanValidation, "invalid alias %q", item.Alias)
	}

	if !item.Aggregated() {
		if item.Column == "*" {
			return "*", nil
		}
		if !columns[item.Column] {
			return "", domain.NewRunError(domain.ErrPlanValidation, "unknown column %q", item.Column)
		}
		expr := quoteIdent(item.Column)
		if item.Alias != "" {
			expr += " AS " + item.Alias
		}
		return expr, nil
	}

	fn, ok := aggregateFns[strings.ToLower(item.Fn)]
	if !ok {
		return "", domain.NewRunError(domain.ErrPlanValidation, "unknown aggregation %q", item.Fn)
	}

	var expr string
	switch {
	case item.Column == "*":
		if strings.ToLower(item.Fn) != "count" {
			return "", domain.NewRunError(domain.ErrPlanValidation, "%s(*) is not allowed", item.Fn)
		}
		expr = "COUNT(*)"
	case !columns[item.Column]:
		return "", domain.NewRunError(domain.ErrPlanValidation, "unknown column %q", item.Column)
	case fn == "COUNT_DISTINCT":
		expr = "COUNT(DISTINCT " + quoteIdent(item.Column) + ")"
	default:
		expr = fn + "(" + quoteIdent(item.Column) + ")"
	}

	if item.Alias != "" {
		expr += " AS " + item.Alias
	}
	return expr, nil
}

func renderFilter(f Filter, columns map[string]bool) (string, error) {
	if !columns[f.Column] {
		return "", domain.NewRunError(domain.ErrPlanValidation, "unknown filter column %q", f.Column)
	}
	if !validOps[f.Op] {
		return "", domain.NewRunError(domain.ErrPlanValidation, "unknown operator %q", f.Op)
	}
	col := quoteIdent(f.Column)

	switch f.Op {
	case "is_null":
		return col + " IS NULL", nil
	case "is_not_null":
		return col + " IS NOT NULL", nil
	case "in":
		items, ok := f.Value.([]any)
		if !ok || len(items) == 0 {
			return "", domain.NewRunError(domain.ErrPlanValidation, "operator in requires a non-empty list value")
		}
		lits, err := renderHomogeneousList(f.Column, items)
		if err != nil {
			return "", err
		}
		return col + " IN (" + strings.Join(lits, ", ") + ")", nil
	case "between":
		items, ok := f.Value.([]any)
		if !ok || len(items) != 2 {
			return "", domain.NewRunError(domain.ErrPlanValidation, "operator between requires a 2-element list value")
		}
		lits, err := renderHomogeneousList(f.Column, items)
		if err != nil {
			return "", err
		}
		return col + " BETWEEN " + lits[0] + " AND " + lits[1], nil
	case "contains", "startswith", "endswith":
		s, ok := f.Value.(string)
		if !ok {
			return "", domain.NewRunError(domain.ErrPlanValidation, "operator %s requires a string value", f.Op)
		}
		pattern := escapeLike(s)
		switch f.Op {
		case "contains":
			pattern = "%" + pattern + "%"
		case "startswith":
			pattern += "%"
		case "endswith":
			pattern = "%" + pattern
		}
		return col + " LIKE " + quoteString(pattern) + " ESCAPE '\\'", nil
	default: // comparison operators
		lit, err := renderLiteral(f.Value)
		if err != nil {
			return "", domain.NewRunError(domain.ErrPlanValidation, "filter on %q: %v", f.Column, err)
		}
		op := f.Op
		if op == "!=" {
			op = "<>"
		}
		return col + " " + op + " " + lit, nil
	}
}

// renderHomogeneousList renders list literals, rejecting mixed types.
func renderHomogeneousList(column string, items []any) ([]string, error) {
	lits := make([]string, len(items))
	kind := ""
	for i, v := range items {
		k := literalKind(v)
		if k == "" {
			return nil, domain.NewRunError(domain.ErrPlanValidation, "unsupported value in list for %q", column)
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return nil, domain.NewRunError(domain.ErrPlanValidation, "mixed value types in list for %q", column)
		}
		lit, err := renderLiteral(v)
		if err != nil {
			return nil, domain.NewRunError(domain.ErrPlanValidation, "list value for %q: %v", column, err)
		}
		lits[i] = lit
	}
	return lits, nil
}

func literalKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "bool"
	}
	return ""
}

func renderLiteral(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return quoteString(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		// JSON numbers arrive as float64; render integral values without
		// a decimal point so compiled SQL stays stable.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case nil:
		return "", fmt.Errorf("null is only valid with is_null/is_not_null")
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

// quoteIdent renders an identifier, quoting only when it is not a simple
// lowercase identifier (schema membership is already enforced upstream).
func quoteIdent(name string) string {
	if simpleIdentRe.MatchString(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// escapeLike escapes LIKE metacharacters and the escape character itself.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// tableColumns resolves the column set for a table of the dataset. Table
// names are file names without the .csv suffix.
func tableColumns(ds *domain.Dataset, table string) (map[string]bool, bool) {
	for _, f := range ds.Files {
		if TableName(f.Name) != table {
			continue
		}
		cols := make(map[string]bool, len(f.Schema))
		for _, c := range f.Schema {
			cols[c.Column] = true
		}
		return cols, true
	}
	return nil, false
}

// TableName derives the SQL table name from a dataset file name.
func TableName(fileName string) string {
	return strings.TrimSuffix(fileName, ".csv")
}
