package tools

import "strings"

const fence = "```"

// ExtractCode returns the first ```python fenced block in text. When there is
// none, the first generic fenced block is used if it looks like Python.
func ExtractCode(text string) string {
	if startIdx := strings.Index(text, fence+"python"); startIdx != -1 {
		code, ok := fencedBody(text, startIdx+len(fence+"python"))
		if !ok {
			return ""
		}
		return code
	}

	gStart := strings.Index(text, fence)
	if gStart == -1 {
		return ""
	}
	start := gStart + len(fence)
	// skip a language tag such as ```py
	if nl := strings.IndexByte(text[start:], '\n'); nl != -1 {
		tag := strings.TrimSpace(text[start : start+nl])
		if tag != "" && !strings.ContainsAny(tag, " ()=") {
			if tag != "py" && tag != "python3" {
				return ""
			}
			start += nl
		}
	}
	candidate, ok := fencedBody(text, start)
	if !ok || !looksLikePython(candidate) {
		return ""
	}
	return candidate
}

func fencedBody(text string, codeStart int) (string, bool) {
	if codeStart < len(text) && text[codeStart] == '\n' {
		codeStart++
	}
	endRel := strings.Index(text[codeStart:], fence)
	if endRel == -1 {
		return "", false
	}
	return strings.TrimSpace(text[codeStart : codeStart+endRel]), true
}

// StripCode removes every fenced block from text and tidies the blank lines
// left behind.
func StripCode(text string) string {
	var b strings.Builder
	rest := text
	for {
		open := strings.Index(rest, fence)
		if open == -1 {
			b.WriteString(rest)
			break
		}
		closeRel := strings.Index(rest[open+len(fence):], fence)
		if closeRel == -1 {
			// unterminated fence: drop everything after it
			b.WriteString(rest[:open])
			break
		}
		b.WriteString(rest[:open])
		rest = rest[open+len(fence)+closeRel+len(fence):]
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// looksLikePython returns true if the snippet contains pythonic tokens.
func looksLikePython(code string) bool {
	lc := strings.ToLower(code)
	tokens := []string{
		"import ", "from ", "pd.", "plt.", "sns.", "df.", "df[",
		"df =", "print(", "def ", "for ", "np.",
	}
	for _, t := range tokens {
		if strings.Contains(lc, t) {
			return true
		}
	}
	return false
}
