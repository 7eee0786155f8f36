// Package table renders the borderless, left-aligned text tables used in
// command replies.
package table

import (
	"bytes"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Indent prefixes every row of a reply table.
const Indent = "    "

// New returns a table writer with the reply style applied.
func New(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetColumnSeparator(" ")
	t.SetCenterSeparator(" ")
	t.SetRowSeparator("")
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

// Render builds a complete table and returns it with every line indented.
func Render(header []string, rows [][]string) string {
	var buf bytes.Buffer
	t := New(&buf, header...)
	t.AppendBulk(rows)
	t.Render()
	return indent(buf.String())
}

func indent(s string) string {
	var out bytes.Buffer
	for _, line := range bytes.SplitAfter([]byte(s), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		out.WriteString(Indent)
		out.Write(line)
	}
	return out.String()
}
