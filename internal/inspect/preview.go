package inspect

import (
	"fmt"
	"io"
	"os"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

// DefaultPreviewRows is used when a caller asks for zero rows.
const DefaultPreviewRows = 20

// PreviewFile renders the first maxRows data rows of the artifact at
// path as a Markdown table.
func PreviewFile(path string, maxRows int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Preview(f, maxRows)
}

func Preview(r io.Reader, maxRows int) (string, error) {
	if maxRows <= 0 {
		maxRows = DefaultPreviewRows
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse artifact: %w", err)
	}
	table := doc.Find("table").First()
	if table.Length() == 0 {
		return "", ErrNoTable
	}

	// Without <th> cells the first row is the header.
	limit := maxRows
	if table.Find("th").Length() == 0 {
		limit++
	}
	data := 0
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("td").Length() == 0 {
			return
		}
		data++
		if data > limit {
			row.Remove()
		}
	})

	html, err := goquery.OuterHtml(table)
	if err != nil {
		return "", fmt.Errorf("render table: %w", err)
	}
	conv := htmlmd.NewConverter("", true, nil)
	conv.Use(plugin.Table())
	md, err := conv.ConvertString(html)
	if err != nil {
		// Fall back to the plain cell text.
		return strings.Join(strings.Fields(table.Text()), " "), nil
	}
	return md, nil
}
