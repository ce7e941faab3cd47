package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
)

const (
	transcriptKeyPrefix = "punypage:transcript:"
	transcriptTTL       = 7 * 24 * time.Hour
)

// TranscriptStore keeps the model conversation of an SDK session so a later
// turn can resume it. Load returns an empty slice for unknown ids.
type TranscriptStore interface {
	Load(ctx context.Context, sessionID string) ([]openai.ChatCompletionMessage, error)
	Save(ctx context.Context, sessionID string, messages []openai.ChatCompletionMessage) error
}

type RedisTranscripts struct {
	client *redis.Client
}

func NewRedisTranscripts(client *redis.Client) *RedisTranscripts {
	return &RedisTranscripts{client: client}
}

func (s *RedisTranscripts) Load(ctx context.Context, sessionID string) ([]openai.ChatCompletionMessage, error) {
	raw, err := s.client.Get(ctx, transcriptKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return []openai.ChatCompletionMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	var msgs []openai.ChatCompletionMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return msgs, nil
}

func (s *RedisTranscripts) Save(ctx context.Context, sessionID string, messages []openai.ChatCompletionMessage) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, transcriptKeyPrefix+sessionID, raw, transcriptTTL).Err()
}

// MemoryTranscripts is the single-process fallback when Redis is not
// configured. Transcripts are lost on restart.
type MemoryTranscripts struct {
	mu       sync.Mutex
	sessions map[string][]openai.ChatCompletionMessage
}

func NewMemoryTranscripts() *MemoryTranscripts {
	return &MemoryTranscripts{sessions: make(map[string][]openai.ChatCompletionMessage)}
}

func (s *MemoryTranscripts) Load(_ context.Context, sessionID string) ([]openai.ChatCompletionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.ChatCompletionMessage{}, s.sessions[sessionID]...), nil
}

func (s *MemoryTranscripts) Save(_ context.Context, sessionID string, messages []openai.ChatCompletionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append([]openai.ChatCompletionMessage{}, messages...)
	return nil
}
