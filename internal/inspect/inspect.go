// Package inspect reads exported report artifacts. The back office
// exports ".xls" files that are really an HTML table, so they can be
// parsed as HTML.
package inspect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoTable = errors.New("artifact contains no table")

// Summary describes the table of one artifact.
type Summary struct {
	Columns        []string `json:"columns"`
	Rows           int      `json:"rows"`
	MissingColumns []string `json:"missing_columns,omitempty"`
}

// Metadata renders s for a log event.
func (s Summary) Metadata() map[string]any {
	m := map[string]any{
		"rows":    s.Rows,
		"columns": len(s.Columns),
	}
	if len(s.MissingColumns) > 0 {
		m["missing_columns"] = strings.Join(s.MissingColumns, ",")
	}
	return m
}

// File parses the artifact at path and checks it against the expected
// column manifest. An empty manifest skips the check.
func File(path string, expected []string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	return Read(f, expected)
}

func Read(r io.Reader, expected []string) (Summary, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Summary{}, fmt.Errorf("parse artifact: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return Summary{}, ErrNoTable
	}

	var s Summary
	rows := table.Find("tr")
	headerRow := -1

	if th := table.Find("th"); th.Length() > 0 {
		th.Each(func(_ int, sel *goquery.Selection) {
			s.Columns = append(s.Columns, cellText(sel))
		})
		headerRow = rows.IndexOfSelection(th.First().Closest("tr"))
	} else if rows.Length() > 0 {
		rows.First().Find("td").Each(func(_ int, sel *goquery.Selection) {
			s.Columns = append(s.Columns, cellText(sel))
		})
		headerRow = 0
	}

	rows.Each(func(i int, sel *goquery.Selection) {
		if i == headerRow || sel.Find("td").Length() == 0 {
			return
		}
		s.Rows++
	})

	s.MissingColumns = missing(s.Columns, expected)
	return s, nil
}

func cellText(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func missing(have, want []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, h := range have {
		seen[strings.ToLower(h)] = struct{}{}
	}
	var out []string
	for _, w := range want {
		if _, ok := seen[strings.ToLower(strings.TrimSpace(w))]; !ok {
			out = append(out, w)
		}
	}
	return out
}
