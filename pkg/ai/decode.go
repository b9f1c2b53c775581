package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// GenerateSchema reflects the JSON Schema sent with a structured completion
// request. Definitions are inlined and extra properties are rejected.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflector.Reflect(reflect.New(t).Interface())
}

// DecodeAnswer parses a model answer into out. Models asked for JSON still
// wrap it in Markdown fences, surround it with prose, double-encode it as a
// string or emit trailing commas and unquoted keys; each of these is undone
// before giving up.
func DecodeAnswer(answer string, out any) error {
	text := unfence(strings.TrimSpace(answer))
	if text == "" {
		return errors.New("empty answer")
	}
	if json.Unmarshal([]byte(text), out) == nil {
		return nil
	}

	var inner string
	if json.Unmarshal([]byte(text), &inner) == nil {
		text = unfence(strings.TrimSpace(inner))
		if json.Unmarshal([]byte(text), out) == nil {
			return nil
		}
	}

	text = outermost(text)
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("answer is not JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("answer does not match %T: %w", out, err)
	}
	return nil
}

// unfence returns the body of a ```json fenced block, or s unchanged.
func unfence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// outermost cuts the prose around the first JSON object or array. A doubled
// opening brace, as in "{\n{", is collapsed. An unclosed value is kept to the
// end so the repair can close it.
func outermost(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	s = s[start:]
	if s[0] == '{' {
		if rest := strings.TrimSpace(s[1:]); strings.HasPrefix(rest, "{") {
			s = rest
		}
	}
	closer := byte('}')
	if s[0] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(s, closer); end >= 0 {
		return s[:end+1]
	}
	return s
}
