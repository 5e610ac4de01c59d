package enricher

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/telhawk-systems/relay/common/models"
)

const summaryRunes = 140

// Local is a built-in transform used when no enrichment endpoint is
// configured. It adds a one-line summary and a word count next to the
// original payload.
type Local struct{}

type localResult struct {
	Summary   string         `json:"summary"`
	Author    string         `json:"author,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	WordCount int            `json:"word_count"`
	HasQuote  bool           `json:"has_quote"`
	Original  models.Payload `json:"original"`
}

func (Local) Transform(ctx context.Context, payload models.Payload) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Err: err}
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return nil, Errorf(KindInvalidInput, "payload has no text")
	}

	out, err := json.Marshal(localResult{
		Summary:   summarize(text),
		Author:    payload.Author,
		Channel:   payload.Channel,
		WordCount: len(strings.Fields(text)),
		HasQuote:  payload.Quoted != "",
		Original:  payload,
	})
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}
	return out, nil
}

// summarize returns the first line of text, cut to summaryRunes.
func summarize(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= summaryRunes {
		return line
	}
	runes := []rune(line)
	return string(runes[:summaryRunes-1]) + "…"
}
