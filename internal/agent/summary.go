package agent

import (
	"fmt"
	"strings"

	"github.com/sift-analytics/sift/internal/runner"
)

// Summarize renders a short plain-language sentence for a runner result.
// Used for fast-path turns, where no planner prose exists.
func Summarize(res *runner.Result) string {
	if res == nil || res.RowCount == 0 || len(res.Rows) == 0 {
		return "The query returned no rows."
	}

	if res.RowCount == 1 && len(res.Columns) == 1 {
		value := res.Rows[0][0]
		col := res.Columns[0]
		if strings.HasPrefix(col, "total_") {
			return fmt.Sprintf("The %s is %v.", strings.ReplaceAll(col, "_", " "), value)
		}
		return fmt.Sprintf("The result is %v.", value)
	}

	if res.RowCount <= 5 && len(res.Columns) <= 4 {
		parts := make([]string, 0, len(res.Rows))
		for _, row := range res.Rows {
			pairs := make([]string, 0, len(res.Columns))
			for i, col := range res.Columns {
				if i >= len(row) {
					break
				}
				pairs = append(pairs, fmt.Sprintf("%s=%v", col, row[i]))
			}
			parts = append(parts, strings.Join(pairs, ", "))
		}
		return fmt.Sprintf("The query returned %d rows: %s.", res.RowCount, strings.Join(parts, "; "))
	}

	suffix := ""
	if res.Truncated {
		suffix = " (truncated)"
	}
	return fmt.Sprintf("The query returned %d rows with %d columns%s.", res.RowCount, len(res.Columns), suffix)
}
