package report

import (
	"fmt"

	"github.com/charmbracelet/glamour"
)

// Render は glamour の dark スタイルで Markdown をターミナル用に整形する。
// dark スタイルは左右に2桁ずつマージンを足すので折り返し幅から差し引く。
func Render(markdown string, width int) (string, error) {
	wrap := width - 4
	if wrap < 20 {
		wrap = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return "", fmt.Errorf("report: renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	return out, nil
}
