package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// OutputFormat selects how command results are rendered.
type OutputFormat string

const (
	// FormatText is plain text output (default).
	FormatText OutputFormat = "text"
	// FormatJSON is indented JSON output.
	FormatJSON OutputFormat = "json"
	// FormatCSV is CSV output for tabular data.
	FormatCSV OutputFormat = "csv"
)

// Tabular is implemented by results that can render as rows.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

// Formatter renders command output.
type Formatter interface {
	FormatTo(w io.Writer, data any) error
}

// TextFormatter renders output with fmt's default formatting; Tabular
// data renders as aligned columns.
type TextFormatter struct{}

// FormatTo writes data to w as plain text.
func (f *TextFormatter) FormatTo(w io.Writer, data any) error {
	tab, ok := data.(Tabular)
	if !ok {
		_, err := fmt.Fprintf(w, "%v\n", data)
		return err
	}
	widths := columnWidths(tab)
	if err := writeAligned(w, tab.Headers(), widths); err != nil {
		return err
	}
	for _, row := range tab.Rows() {
		if err := writeAligned(w, row, widths); err != nil {
			return err
		}
	}
	return nil
}

func columnWidths(tab Tabular) []int {
	headers := tab.Headers()
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range tab.Rows() {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	return widths
}

func writeAligned(w io.Writer, cells []string, widths []int) error {
	for i, cell := range cells {
		width := len(cell)
		if i < len(widths) {
			width = widths[i]
		}
		if i == len(cells)-1 {
			if _, err := fmt.Fprintf(w, "%s", cell); err != nil {
				return err
			}
			break
		}
		if _, err := fmt.Fprintf(w, "%-*s  ", width, cell); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// JSONFormatter renders output as indented JSON.
type JSONFormatter struct{}

// FormatTo writes data to w as JSON.
func (f *JSONFormatter) FormatTo(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// CSVFormatter renders Tabular output as CSV.
type CSVFormatter struct{}

// FormatTo writes data to w as CSV. The data must implement Tabular.
func (f *CSVFormatter) FormatTo(w io.Writer, data any) error {
	tab, ok := data.(Tabular)
	if !ok {
		return fmt.Errorf("csv output requires tabular data, got %T", data)
	}
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(tab.Headers()); err != nil {
		return err
	}
	for _, row := range tab.Rows() {
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// NewFormatter returns the formatter for the given format. Unknown
// formats fall back to text.
func NewFormatter(format OutputFormat) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{}
	case FormatCSV:
		return &CSVFormatter{}
	default:
		return &TextFormatter{}
	}
}
