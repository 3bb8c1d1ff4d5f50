package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"paperchat/internal/ai"
	"paperchat/internal/model"
)

var (
	ErrMessageEmpty     = errors.New("message content is empty")
	ErrContentNotReady  = errors.New("document content is not ready")
	ErrGenerationFailed = errors.New("generation failed")
)

const systemInstruction = "Use the following document content (or the previous conversation if needed) to answer the user's question in markdown format. " +
	"If you don't know the answer, just say that you don't know, don't try to make up an answer. " +
	"Remember that the document content was extracted from an uploaded file."

const sectionDelimiter = "\n\n----------------\n\n"

// DocumentReader is the slice of the document repository chat needs.
type DocumentReader interface {
	GetByIDAndUserID(id, userID uint) (*model.Document, error)
}

// TurnStore is the append-only conversation log for a document.
type TurnStore interface {
	Create(message *model.Message) error
	ListByDocumentID(documentID, cursor uint, limit int) ([]model.Message, error)
	ListRecentByDocumentID(documentID uint, limit int) ([]model.Message, error)
}

// CompletionStreamer produces a finite chunk stream for a prompt. On error the
// returned string still holds everything streamed before the failure.
type CompletionStreamer interface {
	StreamComplete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage, onChunk func(string) error) (string, error)
}

type ChatService struct {
	docs       DocumentReader
	turns      TurnStore
	llm        CompletionStreamer
	llmConfig  ai.ChatConfig
	maxContext int
}

type StreamReplyInput struct {
	UserID     uint
	DocumentID uint
	Content    string
}

func NewChatService(
	docs DocumentReader,
	turns TurnStore,
	llm CompletionStreamer,
	llmConfig ai.ChatConfig,
	maxContext int,
) *ChatService {
	if maxContext <= 0 {
		maxContext = 6
	}
	return &ChatService{
		docs:       docs,
		turns:      turns,
		llm:        llm,
		llmConfig:  llmConfig,
		maxContext: maxContext,
	}
}

// StreamReply answers a user utterance about a document. The user turn is
// persisted before the provider is invoked; each generated chunk is appended
// to the reply accumulator and then forwarded through onChunk; on normal
// exhaustion one assistant turn holding the full reply is persisted. The
// provider stream is consumed exactly once.
//
// A failing onChunk means the caller's sink is gone: forwarding stops
// silently, the stream keeps draining, and the reply is still persisted. A
// provider failure discards the partial reply and persists nothing.
func (s *ChatService) StreamReply(ctx context.Context, input StreamReplyInput, onChunk func(string) error) (string, error) {
	if input.UserID == 0 || input.DocumentID == 0 {
		return "", ErrInvalidInput
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return "", ErrMessageEmpty
	}

	doc, err := s.docs.GetByIDAndUserID(input.DocumentID, input.UserID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", ErrDocumentNotFound
	}
	if doc.Status != model.UploadStatusSuccess || doc.Content == "" {
		return "", ErrContentNotReady
	}

	recent, err := s.turns.ListRecentByDocumentID(doc.ID, s.maxContext)
	if err != nil {
		return "", err
	}
	prompt := assemblePrompt(doc.Content, recent, content)

	// The user turn must be durable before the provider runs, so a mid-stream
	// failure leaves a consistent history ending in an unanswered user turn.
	userTurn := &model.Message{
		DocumentID: doc.ID,
		UserID:     input.UserID,
		Role:       model.RoleUser,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	if err := s.turns.Create(userTurn); err != nil {
		return "", err
	}

	var reply strings.Builder
	var sinkErr error
	forward := func(chunk string) error {
		reply.WriteString(chunk)
		if sinkErr == nil {
			if err := onChunk(chunk); err != nil {
				sinkErr = err
			}
		}
		return nil
	}

	messages := []ai.ChatMessage{
		{Role: "system", Content: systemInstruction},
		{Role: "user", Content: prompt},
	}
	if _, err := s.llm.StreamComplete(ctx, s.llmConfig, messages, forward); err != nil {
		if reply.Len() > 0 && (sinkErr != nil || errors.Is(err, context.Canceled)) {
			// The caller went away mid-stream; keep what was generated.
			s.persistAssistantTurn(doc.ID, input.UserID, reply.String())
		}
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	full := reply.String()
	if strings.TrimSpace(full) == "" {
		full = "The model returned an empty response."
	}
	s.persistAssistantTurn(doc.ID, input.UserID, full)
	return full, nil
}

// History pages through a document's turn log. nextCursor is 0 when the page
// was the last one.
func (s *ChatService) History(userID, documentID, cursor uint, limit int) ([]model.Message, uint, error) {
	if userID == 0 || documentID == 0 {
		return nil, 0, ErrInvalidInput
	}

	doc, err := s.docs.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, 0, err
	}
	if doc == nil {
		return nil, 0, ErrDocumentNotFound
	}

	messages, err := s.turns.ListByDocumentID(documentID, cursor, limit)
	if err != nil {
		return nil, 0, err
	}

	var nextCursor uint
	if limit > 0 && len(messages) == limit {
		nextCursor = messages[len(messages)-1].ID
	}
	return messages, nextCursor, nil
}

func (s *ChatService) persistAssistantTurn(documentID, userID uint, content string) {
	turn := &model.Message{
		DocumentID: documentID,
		UserID:     userID,
		Role:       model.RoleAssistant,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	if err := s.turns.Create(turn); err != nil {
		log.Printf("chat: persist assistant turn for document %d failed: %v", documentID, err)
	}
}

// assemblePrompt builds the bounded context window: document content, then the
// most recent turns oldest-first, then the new utterance.
func assemblePrompt(docContent string, recent []model.Message, utterance string) string {
	var transcript strings.Builder
	for _, turn := range recent {
		if turn.Role == model.RoleUser {
			transcript.WriteString("User: ")
		} else {
			transcript.WriteString("Assistant: ")
		}
		transcript.WriteString(turn.Content)
		transcript.WriteString("\n")
	}

	sections := []string{
		"DOCUMENT CONTENT:\n" + docContent,
		"PREVIOUS CONVERSATION:\n" + transcript.String(),
		"USER INPUT: " + utterance,
	}
	return strings.Join(sections, sectionDelimiter)
}
