package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile("\033\\[[0-9;]*m")

// TableColumn describes one column of a Table.
type TableColumn struct {
	Header string
	Key    string
	// Right aligns the cells to the right edge, for numbers and sizes.
	Right bool
}

// Table prints rows keyed by column with widths fitted to the content.
type Table struct {
	Columns []TableColumn
	// Empty is printed instead of the header when there are no rows.
	Empty string
}

// Fprint writes the table to w. Colored cells are measured without their
// escape sequences.
func (t Table) Fprint(w io.Writer, rows []map[string]interface{}) {
	if len(rows) == 0 {
		if t.Empty != "" {
			fmt.Fprintln(w, t.Empty)
		}
		return
	}

	cells := make([][]string, len(rows))
	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		widths[i] = displayWidth(col.Header)
	}
	for r, row := range rows {
		cells[r] = make([]string, len(t.Columns))
		for i, col := range t.Columns {
			if v, ok := row[col.Key]; ok && v != nil {
				cells[r][i] = fmt.Sprint(v)
			}
			widths[i] = max(widths[i], displayWidth(cells[r][i]))
		}
	}

	header := make([]string, len(t.Columns))
	rule := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		header[i] = t.pad(i, col.Header, widths[i])
		rule[i] = strings.Repeat("-", widths[i])
	}
	writeLine(w, header)
	writeLine(w, rule)
	for _, line := range cells {
		for i := range line {
			line[i] = t.pad(i, line[i], widths[i])
		}
		writeLine(w, line)
	}
}

func (t Table) pad(col int, s string, width int) string {
	gap := width - displayWidth(s)
	if gap <= 0 {
		return s
	}
	if t.Columns[col].Right {
		return strings.Repeat(" ", gap) + s
	}
	return s + strings.Repeat(" ", gap)
}

func writeLine(w io.Writer, parts []string) {
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

func displayWidth(s string) int {
	return len([]rune(ansiEscape.ReplaceAllString(s, "")))
}
