package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the content of a resolution message. Author, Channel, Text and
// Quoted form the typed core; any other producer-supplied keys are carried
// untouched in Extensions.
type Payload struct {
	Author     string                     `json:"author,omitempty" validate:"max=256"`
	Channel    string                     `json:"channel,omitempty" validate:"max=256"`
	Text       string                     `json:"text" validate:"required,max=65536"`
	Quoted     string                     `json:"quoted,omitempty" validate:"max=65536"`
	Extensions map[string]json.RawMessage `json:"-"`
}

var coreKeys = map[string]bool{
	"author":  true,
	"channel": true,
	"text":    true,
	"quoted":  true,
}

// UnmarshalJSON decodes the core fields and collects the rest into Extensions.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("payload must be a JSON object")
	}

	var out Payload
	for key, value := range raw {
		if !coreKeys[key] {
			if out.Extensions == nil {
				out.Extensions = make(map[string]json.RawMessage)
			}
			out.Extensions[key] = value
			continue
		}

		var s *string
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("payload.%s: must be a string", key)
		}
		if s == nil {
			continue
		}
		switch key {
		case "author":
			out.Author = *s
		case "channel":
			out.Channel = *s
		case "text":
			out.Text = *s
		case "quoted":
			out.Quoted = *s
		}
	}

	*p = out
	return nil
}

// MarshalJSON flattens Extensions back next to the core fields.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extensions)+4)
	for key, value := range p.Extensions {
		if coreKeys[key] {
			continue
		}
		out[key] = value
	}
	if p.Author != "" {
		out["author"] = p.Author
	}
	if p.Channel != "" {
		out["channel"] = p.Channel
	}
	if p.Quoted != "" {
		out["quoted"] = p.Quoted
	}
	out["text"] = p.Text
	return json.Marshal(out)
}

// Clone returns a copy with its own Extensions map.
func (p Payload) Clone() Payload {
	c := p
	if p.Extensions != nil {
		c.Extensions = make(map[string]json.RawMessage, len(p.Extensions))
		for k, v := range p.Extensions {
			c.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

var nulEscape = []byte(`\u0000`)

// ContainsNUL reports whether any string or key in raw decodes to text
// holding U+0000, which PostgreSQL jsonb refuses.
func ContainsNUL(raw json.RawMessage) bool {
	if !bytes.Contains(raw, nulEscape) {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if s, ok := tok.(string); ok && strings.ContainsRune(s, 0) {
			return true
		}
	}
}
