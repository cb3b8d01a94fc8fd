// Package extract turns raw meeting transcripts into entity mentions with
// observed attribute values. Extraction runs against an LLM provider (Ollama
// locally, OpenAI hosted) behind a circuit breaker; parse failures and
// provider outages surface as errors so the caller can abort the meeting's
// ingestion with nothing written.
package extract

import (
	"context"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Extractor produces entity mentions from one meeting transcript.
type Extractor interface {
	ExtractMentions(ctx context.Context, transcript string, meetingTime time.Time) ([]types.RawMention, error)
	Model() string
}

// TextGenerator is the interface for LLM text completion.
// All extraction prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// EmbeddingGenerator generates vector embeddings for semantic search.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}
