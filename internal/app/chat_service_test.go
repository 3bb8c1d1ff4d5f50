package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperchat/internal/ai"
	"paperchat/internal/model"
)

type fakeDocReader struct {
	doc *model.Document
}

func (f *fakeDocReader) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	if f.doc == nil || f.doc.ID != id || f.doc.UserID != userID {
		return nil, nil
	}
	return f.doc, nil
}

type fakeTurnStore struct {
	created     []model.Message
	recent      []model.Message
	recentLimit int
	page        []model.Message
	createErr   error
}

func (f *fakeTurnStore) Create(message *model.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, *message)
	return nil
}

func (f *fakeTurnStore) ListByDocumentID(documentID, cursor uint, limit int) ([]model.Message, error) {
	return f.page, nil
}

func (f *fakeTurnStore) ListRecentByDocumentID(documentID uint, limit int) ([]model.Message, error) {
	f.recentLimit = limit
	return f.recent, nil
}

type fakeStreamer struct {
	chunks   []string
	err      error
	messages []ai.ChatMessage
	calls    int
}

func (f *fakeStreamer) StreamComplete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage, onChunk func(string) error) (string, error) {
	f.calls++
	f.messages = messages
	var full strings.Builder
	for _, chunk := range f.chunks {
		full.WriteString(chunk)
		if err := onChunk(chunk); err != nil {
			return full.String(), err
		}
	}
	return full.String(), f.err
}

func readyDoc() *model.Document {
	return &model.Document{ID: 1, UserID: 10, Status: model.UploadStatusSuccess, Content: "DOC BODY"}
}

func TestStreamReply_Success(t *testing.T) {
	turns := &fakeTurnStore{}
	llm := &fakeStreamer{chunks: []string{"c1", "c2", "c3"}}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, llm, ai.ChatConfig{}, 6)

	var forwarded []string
	full, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "hi"}, func(chunk string) error {
		forwarded = append(forwarded, chunk)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "c1c2c3", full)
	assert.Equal(t, []string{"c1", "c2", "c3"}, forwarded)

	require.Len(t, turns.created, 2)
	assert.Equal(t, model.RoleUser, turns.created[0].Role)
	assert.Equal(t, "hi", turns.created[0].Content)
	assert.Equal(t, model.RoleAssistant, turns.created[1].Role)
	assert.Equal(t, "c1c2c3", turns.created[1].Content)
}

func TestStreamReply_PromptAssembly(t *testing.T) {
	turns := &fakeTurnStore{recent: []model.Message{
		{Role: model.RoleUser, Content: "first question"},
		{Role: model.RoleAssistant, Content: "first answer"},
	}}
	llm := &fakeStreamer{chunks: []string{"ok"}}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, llm, ai.ChatConfig{}, 4)

	_, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "next question"}, func(string) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 4, turns.recentLimit)
	require.Len(t, llm.messages, 2)
	assert.Equal(t, "system", llm.messages[0].Role)
	assert.Equal(t, systemInstruction, llm.messages[0].Content)

	prompt := llm.messages[1].Content
	docIdx := strings.Index(prompt, "DOCUMENT CONTENT:\nDOC BODY")
	convIdx := strings.Index(prompt, "PREVIOUS CONVERSATION:\nUser: first question\nAssistant: first answer\n")
	inputIdx := strings.Index(prompt, "USER INPUT: next question")
	require.GreaterOrEqual(t, docIdx, 0)
	require.Greater(t, convIdx, docIdx)
	require.Greater(t, inputIdx, convIdx)
}

func TestStreamReply_ProviderFailureDiscardsPartial(t *testing.T) {
	turns := &fakeTurnStore{}
	llm := &fakeStreamer{chunks: []string{"c1"}, err: errors.New("upstream 500")}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, llm, ai.ChatConfig{}, 6)

	_, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "hi"}, func(string) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	// Only the user turn survives; the partial reply is dropped.
	require.Len(t, turns.created, 1)
	assert.Equal(t, model.RoleUser, turns.created[0].Role)
}

func TestStreamReply_SinkFailureKeepsDrainingAndPersists(t *testing.T) {
	turns := &fakeTurnStore{}
	llm := &fakeStreamer{chunks: []string{"c1", "c2", "c3"}}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, llm, ai.ChatConfig{}, 6)

	var forwarded []string
	full, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "hi"}, func(chunk string) error {
		if len(forwarded) == 1 {
			return errors.New("client gone")
		}
		forwarded = append(forwarded, chunk)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "c1c2c3", full)
	// Forwarding stopped after the sink broke, but every chunk was consumed.
	assert.Equal(t, []string{"c1"}, forwarded)
	require.Len(t, turns.created, 2)
	assert.Equal(t, "c1c2c3", turns.created[1].Content)
}

func TestStreamReply_CancelPersistsPartial(t *testing.T) {
	turns := &fakeTurnStore{}
	llm := &fakeStreamer{chunks: []string{"c1"}, err: context.Canceled}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, llm, ai.ChatConfig{}, 6)

	_, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "hi"}, func(string) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	require.Len(t, turns.created, 2)
	assert.Equal(t, model.RoleAssistant, turns.created[1].Role)
	assert.Equal(t, "c1", turns.created[1].Content)
}

func TestStreamReply_ContentNotReady(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, Status: model.UploadStatusProcessing}
	turns := &fakeTurnStore{}
	llm := &fakeStreamer{}
	svc := NewChatService(&fakeDocReader{doc: doc}, turns, llm, ai.ChatConfig{}, 6)

	_, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "hi"}, func(string) error { return nil })

	assert.ErrorIs(t, err, ErrContentNotReady)
	assert.Empty(t, turns.created)
	assert.Equal(t, 0, llm.calls)
}

func TestStreamReply_UserTurnPersistFailureSkipsProvider(t *testing.T) {
	turns := &fakeTurnStore{createErr: errors.New("db gone")}
	llm := &fakeStreamer{chunks: []string{"c1"}}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, llm, ai.ChatConfig{}, 6)

	_, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "hi"}, func(string) error { return nil })

	require.Error(t, err)
	assert.Equal(t, 0, llm.calls)
}

func TestStreamReply_EmptyMessage(t *testing.T) {
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, &fakeTurnStore{}, &fakeStreamer{}, ai.ChatConfig{}, 6)

	_, err := svc.StreamReply(context.Background(), StreamReplyInput{UserID: 10, DocumentID: 1, Content: "   "}, func(string) error { return nil })

	assert.ErrorIs(t, err, ErrMessageEmpty)
}

func TestHistory_Pagination(t *testing.T) {
	turns := &fakeTurnStore{page: []model.Message{
		{ID: 11, Role: model.RoleUser, Content: "q"},
		{ID: 12, Role: model.RoleAssistant, Content: "a"},
	}}
	svc := NewChatService(&fakeDocReader{doc: readyDoc()}, turns, &fakeStreamer{}, ai.ChatConfig{}, 6)

	messages, nextCursor, err := svc.History(10, 1, 0, 2)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
	assert.Equal(t, uint(12), nextCursor, "full page points at the next one")

	_, nextCursor, err = svc.History(10, 1, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint(0), nextCursor, "short page ends the scan")
}

func TestHistory_UnknownDocument(t *testing.T) {
	svc := NewChatService(&fakeDocReader{}, &fakeTurnStore{}, &fakeStreamer{}, ai.ChatConfig{}, 6)

	_, _, err := svc.History(10, 99, 0, 10)

	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
