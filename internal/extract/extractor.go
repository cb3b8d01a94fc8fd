package extract

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// LLMExtractor implements Extractor by prompting a TextGenerator and parsing
// its JSON response.
type LLMExtractor struct {
	generator TextGenerator
}

// NewLLMExtractor wraps a text generator as a mention extractor.
func NewLLMExtractor(generator TextGenerator) *LLMExtractor {
	return &LLMExtractor{generator: generator}
}

// ExtractMentions prompts the model with the transcript and parses the
// returned mentions. Each mention carries the meeting time as its
// observation timestamp.
func (e *LLMExtractor) ExtractMentions(ctx context.Context, transcript string, meetingTime time.Time) ([]types.RawMention, error) {
	if transcript == "" {
		return nil, nil
	}

	response, err := e.generator.Complete(ctx, MentionExtractionPrompt(transcript))
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	mentions, err := ParseMentionResponse(response, meetingTime)
	if err != nil {
		return nil, fmt.Errorf("extraction response unusable: %w", err)
	}

	if len(mentions) == 0 {
		log.Printf("extract: model %s returned no mentions for a %d-byte transcript", e.generator.Model(), len(transcript))
	}
	return mentions, nil
}

// Model returns the underlying generator's model name.
func (e *LLMExtractor) Model() string {
	return e.generator.Model()
}

// breakerCarrier is satisfied by generators that guard calls with a
// circuit breaker.
type breakerCarrier interface {
	Breaker() *CircuitBreaker
}

// BreakerState reports the generator's circuit state, or "" when the
// generator carries no breaker.
func (e *LLMExtractor) BreakerState() string {
	if c, ok := e.generator.(breakerCarrier); ok {
		return c.Breaker().State()
	}
	return ""
}

var _ Extractor = (*LLMExtractor)(nil)
