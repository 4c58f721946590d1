package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format represents the output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (valid: table, json, yaml)", s)
	}
}

// Formatter formats command output.
type Formatter struct {
	Format    Format
	NoHeaders bool
	Writer    io.Writer
}

// Print outputs data in the configured format. Table mode falls back to
// indented JSON for data without a tabular shape.
func (f *Formatter) Print(data any) error {
	if f.Format == FormatYAML {
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(data)
	}
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// PrintTable prints rows as a table, or as a list of header-keyed maps in
// the structured formats.
func (f *Formatter) PrintTable(headers []string, rows [][]string) error {
	if f.Format != FormatTable {
		out := make([]map[string]string, len(rows))
		for i, row := range rows {
			m := make(map[string]string, len(row))
			for j, cell := range row {
				if j < len(headers) {
					m[strings.ToLower(headers[j])] = cell
				}
			}
			out[i] = m
		}
		return f.Print(out)
	}

	table := tablewriter.NewWriter(f.Writer)
	if !f.NoHeaders && len(headers) > 0 {
		table.SetHeader(headers)
	}
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
	return nil
}

// PrintKeyValues prints ordered key/value pairs, one per line in table mode.
func (f *Formatter) PrintKeyValues(pairs [][2]string) error {
	if f.Format != FormatTable {
		m := make(map[string]string, len(pairs))
		for _, kv := range pairs {
			m[kv[0]] = kv[1]
		}
		return f.Print(m)
	}
	for _, kv := range pairs {
		if _, err := fmt.Fprintf(f.Writer, "%s: %s\n", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
