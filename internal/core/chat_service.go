package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/classpoint/ragserver/internal/index"
)

var (
	// ErrMissingDatasource is returned when a chat request names no datasource.
	ErrMissingDatasource = errors.New("no datasource provided")

	// ErrEmptyMessage is returned when a chat request carries no message.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// Retriever returns the chunks most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, name, query string, k int) ([]index.ScoredChunk, error)
}

// Completer is the completion capability consumed by the orchestrator.
type Completer interface {
	Complete(ctx context.Context, history []Message, opts Options) (string, error)
	Stream(ctx context.Context, history []Message, opts Options) (<-chan string, <-chan error)
}

// ChatRequest is one exchange: the new user message, the caller-supplied
// history, the datasource to ground the answer in, and completion options.
type ChatRequest struct {
	Message    string    `json:"message"`
	History    []Message `json:"messages"`
	Datasource string    `json:"datasource"`
	Options    Options   `json:"config"`
}

// ChatResponse carries the reply plus the full history with the new user
// and assistant turns appended, so the caller can persist the exchange.
// The injected context block never appears in the returned history.
type ChatResponse struct {
	Reply   string    `json:"reply"`
	History []Message `json:"messages"`
}

// ChatService assembles a grounded prompt from retrieval output and the
// conversation history, and invokes the completion capability.
type ChatService struct {
	retriever Retriever
	llm       Completer
	topK      int
}

func NewChatService(retriever Retriever, llm Completer, topK int) *ChatService {
	if topK <= 0 {
		topK = index.DefaultTopK
	}
	return &ChatService{
		retriever: retriever,
		llm:       llm,
		topK:      topK,
	}
}

// Answer runs the blocking exchange: retrieve, assemble, complete.
func (s *ChatService) Answer(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	promptHistory, err := s.assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	reply, err := s.llm.Complete(ctx, promptHistory, req.Options)
	if err != nil {
		return nil, err
	}

	history := append(append([]Message{}, req.History...),
		Message{Role: RoleUser, Content: req.Message},
		Message{Role: RoleAssistant, Content: reply},
	)
	return &ChatResponse{Reply: reply, History: history}, nil
}

// AnswerStream runs the streaming exchange. Retrieval and prompt assembly
// happen before the call returns; fragments arrive on the returned channel
// as the model produces them. Cancelling ctx cancels the completion.
func (s *ChatService) AnswerStream(ctx context.Context, req ChatRequest) (<-chan string, <-chan error, error) {
	promptHistory, err := s.assemble(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	out, errc := s.llm.Stream(ctx, promptHistory, req.Options)
	return out, errc, nil
}

// assemble validates the request, retrieves context, and builds the prompt
// history ending in the augmented user turn. Retrieval always completes
// before any completion call.
func (s *ChatService) assemble(ctx context.Context, req ChatRequest) ([]Message, error) {
	if strings.TrimSpace(req.Datasource) == "" {
		return nil, ErrMissingDatasource
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	chunks, err := s.retriever.Retrieve(ctx, req.Datasource, req.Message, s.topK)
	if err != nil {
		return nil, err
	}

	promptHistory := append([]Message{}, req.History...)
	promptHistory = append(promptHistory, Message{
		Role:    RoleUser,
		Content: buildPrompt(req.Datasource, chunks, req.Message),
	})
	return promptHistory, nil
}

// buildPrompt concatenates the retrieved chunks, in retrieval order, as
// context ahead of the literal question.
func buildPrompt(datasource string, chunks []index.ScoredChunk, query string) string {
	if len(chunks) == 0 {
		return fmt.Sprintf("No passages were found in the %q datasource for the current question. "+
			"Please answer if you can, or say that the information is not available: %s", datasource, query)
	}

	var contextBuilder strings.Builder
	for _, chunk := range chunks {
		contextBuilder.WriteString(chunk.Chunk.Text)
		contextBuilder.WriteString("\n\n") // Separate chunks clearly
	}

	return fmt.Sprintf("Based on the following context from the %q datasource:\n\n"+
		"--- CONTEXT START ---\n%s\n--- CONTEXT END ---\n\n"+
		"Now, please answer my question: %s",
		datasource, strings.TrimSpace(contextBuilder.String()), query)
}
