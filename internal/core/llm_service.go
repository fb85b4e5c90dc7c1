package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"
	defaultMaxOutputTokens    = 2000

	chatSystemInstruction = "You are a helpful assistant. Answer questions based on the provided document context. " +
		"If the answer is not found in the provided context, clearly state that you don't have the information. " +
		"Keep your answers concise and directly related to the user's question and provided context. " +
		"Do not make up information. If the context is insufficient, say so."
)

// ErrCompletionFailed wraps completion-capability errors, including timeouts.
var ErrCompletionFailed = errors.New("completion failed")

// Message is one turn of a caller-supplied chat session. Role is "user" or
// "assistant". The core round-trips and extends the history; it never
// persists it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options tune one completion call.
type Options struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"topP,omitempty"`
	MaxTokens   int32    `json:"maxTokens,omitempty"`
}

// LLMService wraps the Gemini client behind the two capabilities the core
// consumes: embed(text) -> vector and generate/stream(history) -> text.
type LLMService struct {
	client            *genai.Client
	embedTimeout      time.Duration
	completionTimeout time.Duration
}

func NewLLMService(ctx context.Context, apiKey string, embedTimeout, completionTimeout time.Duration) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &LLMService{
		client:            client,
		embedTimeout:      embedTimeout,
		completionTimeout: completionTimeout,
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
}

// Embed returns the embedding vector for text. The call is bounded by the
// configured embed timeout; a timeout surfaces as an ordinary error so the
// caller's retry policy applies.
func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()

	em := s.client.EmbeddingModel(defaultEmbeddingModelName)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// Complete sends the history to Gemini and returns the full response text.
// The last message must be the user turn being answered.
func (s *LLMService) Complete(ctx context.Context, history []Message, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()

	session, lastParts, err := s.prepareSession(history, opts)
	if err != nil {
		return "", err
	}

	resp, err := session.SendMessage(ctx, lastParts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}

	text := flattenResponse(resp)
	if text == "" {
		log.Println("Gemini response was empty or had no text parts.")
		return "", fmt.Errorf("%w: model returned no text", ErrCompletionFailed)
	}
	return text, nil
}

// Stream sends the history to Gemini and emits response fragments as they
// arrive. The fragment channel is closed on end of stream; a terminal
// error, including context cancellation, is delivered on the error
// channel. Cancelling ctx cancels the in-flight completion.
func (s *LLMService) Stream(ctx context.Context, history []Message, opts Options) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	session, lastParts, err := s.prepareSession(history, opts)
	if err != nil {
		close(out)
		errc <- err
		return out, errc
	}

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
		defer cancel()

		iter := session.SendMessageStream(ctx, lastParts...)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				errc <- fmt.Errorf("%w: %v", ErrCompletionFailed, err)
				return
			}

			fragment := flattenResponse(resp)
			if fragment == "" {
				continue
			}
			select {
			case out <- fragment:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

func (s *LLMService) prepareSession(history []Message, opts Options) (*genai.ChatSession, []genai.Part, error) {
	if len(history) == 0 {
		return nil, nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	last := history[len(history)-1]
	if last.Role != RoleUser {
		return nil, nil, fmt.Errorf("last message in history is not from %q, cannot proceed", RoleUser)
	}

	modelName := opts.Model
	if modelName == "" {
		modelName = defaultChatModelName
	}

	model := s.client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     opts.Temperature,
		TopP:            opts.TopP,
	}

	session := model.StartChat()
	for _, msg := range history[:len(history)-1] {
		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	return session, []genai.Part{genai.Text(last.Content)}, nil
}

func flattenResponse(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String()
}
