package export

import (
	"fmt"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// exportMarkdown converts the rendered HTML to Markdown.
func exportMarkdown(html string, title string) (*Result, error) {
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return nil, fmt.Errorf("markdown conversion failed: %w", err)
	}

	return &Result{
		Data:     []byte(markdown),
		Filename: sanitizeFilename(title) + ".md",
		MimeType: "text/markdown; charset=utf-8",
	}, nil
}
