package inspect

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const export = `<html><body>
<table>
  <tr><th>Fecha</th><th>Local</th><th> Total </th></tr>
  <tr><td>2024-01-01</td><td>Centro</td><td>10</td></tr>
  <tr><td>2024-01-01</td><td>Norte</td><td>12</td></tr>
</table>
</body></html>`

func TestReadCountsRowsAndColumns(t *testing.T) {
	s, err := Read(strings.NewReader(export), []string{"Fecha", "total"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fecha", "Local", "Total"}, s.Columns)
	assert.Equal(t, 2, s.Rows)
	assert.Empty(t, s.MissingColumns)
}

func TestReadReportsMissingColumns(t *testing.T) {
	s, err := Read(strings.NewReader(export), []string{"Fecha", "Propina"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Propina"}, s.MissingColumns)
	assert.Equal(t, "Propina", s.Metadata()["missing_columns"])
}

func TestReadWithoutHeaderCells(t *testing.T) {
	doc := `<table><tr><td>A</td><td>B</td></tr><tr><td>1</td><td>2</td></tr></table>`
	s, err := Read(strings.NewReader(doc), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, s.Columns)
	assert.Equal(t, 1, s.Rows)
}

func TestFileWithoutTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.xls")
	require.NoError(t, os.WriteFile(path, []byte("<p>nothing</p>"), 0o644))
	_, err := File(path, nil)
	assert.ErrorIs(t, err, ErrNoTable)
}

func TestPreviewRendersMarkdownTable(t *testing.T) {
	md, err := Preview(strings.NewReader(export), 1)
	require.NoError(t, err)
	assert.Contains(t, md, "Fecha")
	assert.Contains(t, md, "Centro")
	assert.NotContains(t, md, "Norte")
	assert.Contains(t, md, "|")
}

func TestPreviewWithoutTable(t *testing.T) {
	_, err := Preview(strings.NewReader("<p>nothing</p>"), 0)
	assert.ErrorIs(t, err, ErrNoTable)
}
