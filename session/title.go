package session

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

const maxTitleRunes = 60

// TitleFromQuestion uses the first sentence of question, truncated on a
// word boundary.
func TitleFromQuestion(question string) string {
	text := strings.Join(strings.Fields(question), " ")
	if text == "" {
		return ""
	}
	first := text
	doc, err := prose.NewDocument(text, prose.WithTagging(false), prose.WithExtraction(false))
	if err == nil {
		if sentences := doc.Sentences(); len(sentences) > 0 && strings.TrimSpace(sentences[0].Text) != "" {
			first = strings.TrimSpace(sentences[0].Text)
		}
	}
	if utf8.RuneCountInString(first) <= maxTitleRunes {
		return first
	}
	runes := []rune(first)[:maxTitleRunes]
	cut := string(runes)
	if i := strings.LastIndex(cut, " "); i > maxTitleRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}

// MaybeSetTitle names the session after its first question.
func (m *Manager) MaybeSetTitle(ctx context.Context, id, question string, priorMessages int) {
	if priorMessages > 0 {
		return
	}
	title := TitleFromQuestion(question)
	if title == "" {
		return
	}
	if err := m.store.SetTitle(ctx, id, title); err != nil {
		m.logger.Warn("Failed to set session title", zap.Error(err), zap.String("session_id", id))
	}
}
