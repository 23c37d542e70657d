// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlrunner

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// maxCellChars caps a rendered cell so one wide value cannot dominate the
// text fed back to the model.
const maxCellChars = 80

// Markdown renders the result as a markdown table, followed by a note when
// rows were cut at the row cap.
func (r *Result) Markdown() string {
	if r == nil || len(r.Columns) == 0 {
		return "(no columns)"
	}
	if len(r.Rows) == 0 {
		return "(no rows) columns: " + strings.Join(r.Columns, ", ")
	}

	rows := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cell(v)
		}
		rows[i] = cells
	}

	t := table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(r.Columns...).
		Rows(rows...)

	out := t.String()
	if r.Truncated {
		out += fmt.Sprintf("\n(showing first %d rows)", len(r.Rows))
	}
	return out
}

func cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		s = "NULL"
	case string:
		s = x
	default:
		s = fmt.Sprint(x)
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if utf8.RuneCountInString(s) > maxCellChars {
		s = string([]rune(s)[:maxCellChars-3]) + "..."
	}
	return s
}
