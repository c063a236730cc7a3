package format

import (
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

var (
	listItem    = regexp.MustCompile(`^(\d+\.|[-*+])\s`)
	tableRow    = regexp.MustCompile(`^\|.*\|$`)
	markdownExt = parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
)

// ToHTML renders assistant markdown (tables included) as HTML. Raw HTML in
// the input is dropped and links are limited to safe schemes.
func ToHTML(text string) string {
	text = PreprocessAssistantText(text)
	if text == "" {
		return ""
	}
	text = normalizeMarkdownBlocks(text)

	p := parser.NewWithExtensions(markdownExt)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{
		Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank | mdhtml.SkipHTML | mdhtml.Safelink | mdhtml.NofollowLinks,
	})
	return string(markdown.ToHTML([]byte(text), p, renderer))
}

// normalizeMarkdownBlocks ensures lists and tables are preceded by a blank
// line. LLMs often forget it, which makes the parser treat them as text.
func normalizeMarkdownBlocks(text string) string {
	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i > 0 {
			prev := strings.TrimSpace(lines[i-1])
			startsList := listItem.MatchString(trimmed) && !listItem.MatchString(prev)
			startsTable := tableRow.MatchString(trimmed) && !tableRow.MatchString(prev)
			if prev != "" && (startsList || startsTable) {
				result = append(result, "")
			}
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
