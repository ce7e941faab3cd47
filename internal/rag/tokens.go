package rag

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
)

const tokenEncoding = "cl100k_base"

type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates four characters per token.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

type tiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter loads the cl100k_base encoding, falling back to
// EstimateCounter when the BPE ranks cannot be loaded (for example offline).
func NewTokenCounter(logger *zap.Logger) TokenCounter {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		logging.OrNop(logger).Warn("tiktoken encoding unavailable, estimating token counts",
			zap.String("encoding", tokenEncoding), zap.Error(err))
		return EstimateCounter{}
	}
	return &tiktokenCounter{enc: enc}
}
