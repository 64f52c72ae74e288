package correction

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// reply is the model's JSON answer. Fields are decoded loosely because local
// models often get the types wrong; a missing or non-string "corrected" means
// the input is kept.
type reply struct {
	fields map[string]any
}

// parseReply extracts the first usable JSON object from content. It accepts a
// bare object, an object inside a code fence, or the span from the first "{"
// to the last "}".
func parseReply(content string) (reply, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return reply{}, false
	}

	candidates := []string{content}
	if m := fencedObject.FindStringSubmatch(content); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		candidates = append(candidates, content[start:end+1])
	}

	for _, candidate := range candidates {
		var fields map[string]any
		if err := json.Unmarshal([]byte(candidate), &fields); err == nil && fields != nil {
			return reply{fields: fields}, true
		}
	}
	return reply{}, false
}

func (r reply) toResult(input string) Result {
	result := Result{Text: input}

	corrected, ok := r.fields["corrected"].(string)
	if !ok {
		return result
	}
	result.Text = strings.TrimSpace(corrected)

	if confidence, ok := r.fields["confidence"].(float64); ok {
		result.Confidence = confidence
	}
	if hint, ok := r.fields["language_hint"].(string); ok {
		result.LanguageHint = hint
	}
	if changes, ok := r.fields["changes"].([]any); ok {
		result.Changes = make([]Change, 0, len(changes))
		for _, raw := range changes {
			change, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			from, _ := change["from"].(string)
			to, _ := change["to"].(string)
			result.Changes = append(result.Changes, Change{From: from, To: to})
		}
	}
	return result
}
