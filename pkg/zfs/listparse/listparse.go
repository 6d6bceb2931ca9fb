// Package listparse parses the tab-separated output of `zfs list -H` and
// friends into rows of fields.
package listparse

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Rows splits script-mode (-H) output into rows of exactly fields columns.
// Blank lines are ignored; a row with the wrong column count is an error.
func Rows(output []byte, fields int) ([][]string, error) {
	var rows [][]string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != fields {
			return nil, fmt.Errorf("expected %d fields, got %d in %q", fields, len(cols), line)
		}
		rows = append(rows, cols)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// Value normalizes a property column: the "-" placeholder means unset.
func Value(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// YesNo interprets a yes/no property column.
func YesNo(s string) bool {
	return s == "yes" || s == "on"
}
