package extract

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// mentionResponse is one mention as the LLM returns it.
type mentionResponse struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Evidence   string            `json:"evidence"`
}

// mentionExtractionResponse is the complete extraction response.
type mentionExtractionResponse struct {
	Mentions []mentionResponse `json:"mentions"`
}

// extractJSON extracts the first complete JSON object from a string that may
// contain extra text. LLMs add explanations and markdown fences despite
// instructions, so the parser hunts for balanced braces outside strings.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text
}

// ParseMentionResponse parses extraction JSON and filters out unusable
// entries. Mentions with empty names are skipped rather than failing the
// batch; unknown type strings fall back through ParseEntityType. Only
// malformed JSON itself is an error.
func ParseMentionResponse(jsonStr string, meetingTime time.Time) ([]types.RawMention, error) {
	cleanJSON := extractJSON(jsonStr)

	var response mentionExtractionResponse
	if err := json.Unmarshal([]byte(cleanJSON), &response); err != nil {
		return nil, fmt.Errorf("failed to parse mention JSON: %w", err)
	}

	mentions := make([]types.RawMention, 0, len(response.Mentions))
	for _, m := range response.Mentions {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			log.Printf("parser: skipping mention with empty name")
			continue
		}

		attributes := make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			k = strings.TrimSpace(k)
			if k == "" || strings.TrimSpace(v) == "" {
				continue
			}
			attributes[k] = v
		}

		mentions = append(mentions, types.RawMention{
			SurfaceName:        name,
			TypeHint:           m.Type,
			ObservedAttributes: attributes,
			EvidenceSpan:       m.Evidence,
			Timestamp:          meetingTime,
		})
	}
	return mentions, nil
}
