package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"paperchat/internal/app"
	"paperchat/internal/transport/http/response"
)

type ChatHandler struct {
	chatService     *app.ChatService
	historyPageSize int
}

type StreamRequest struct {
	DocumentID uint   `json:"document_id" binding:"required,gt=0"`
	Content    string `json:"content" binding:"required"`
}

func NewChatHandler(chatService *app.ChatService, historyPageSize int) *ChatHandler {
	if historyPageSize <= 0 {
		historyPageSize = 50
	}
	return &ChatHandler{
		chatService:     chatService,
		historyPageSize: historyPageSize,
	}
}

// Stream answers a question about a document as a server-sent event stream.
// Failures before the first chunk map to proper status codes; a mid-stream
// failure surfaces as an error event and a stream that ends without "done".
func (h *ChatHandler) Stream(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	started := false
	full, err := h.chatService.StreamReply(c.Request.Context(), app.StreamReplyInput{
		UserID:     userID,
		DocumentID: req.DocumentID,
		Content:    req.Content,
	}, func(chunk string) error {
		if _, writeErr := c.Writer.Write([]byte(sseMessage("", chunk))); writeErr != nil {
			return writeErr
		}
		started = true
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			// Nothing streamed yet; a regular error response is still possible.
			switch {
			case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrMessageEmpty):
				response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
			case errors.Is(err, app.ErrDocumentNotFound):
				response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
			case errors.Is(err, app.ErrContentNotReady):
				response.Error(c, http.StatusNotFound, response.CodeContentNotReady, err.Error())
			default:
				response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "chat stream failed")
			}
			return
		}
		if _, writeErr := c.Writer.Write([]byte(sseMessage("error", err.Error()))); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	if _, writeErr := c.Writer.Write([]byte(sseMessage("done", full))); writeErr == nil {
		flusher.Flush()
	}
}

// History pages through a document's conversation. The cursor is the id of
// the last turn of the previous page; a zero next_cursor means the end.
func (h *ChatHandler) History(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docID64, err := strconv.ParseUint(c.Query("document_id"), 10, 64)
	if err != nil || docID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document_id")
		return
	}

	cursor64, _ := strconv.ParseUint(c.Query("cursor"), 10, 64)

	limit := h.historyPageSize
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	messages, nextCursor, err := h.chatService.History(userID, uint(docID64), uint(cursor64), limit)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get history failed")
		}
		return
	}

	response.OK(c, gin.H{
		"messages":    messages,
		"next_cursor": nextCursor,
	})
}

// sseMessage encodes one server-sent event. Multi-line payloads become
// consecutive "data:" lines, which the client rejoins with newlines, so the
// wire encoding never alters the payload text itself.
func sseMessage(event, data string) string {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	normalized := strings.ReplaceAll(data, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}
