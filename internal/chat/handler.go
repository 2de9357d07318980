package chat

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"chat-relay/internal/apperr"
	"chat-relay/internal/httpx"
	myMiddleware "chat-relay/internal/middleware"
	"chat-relay/internal/storage"
	"chat-relay/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers on other origins are expected; the bearer token is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authenticator resolves a bearer token to a live user. We only need this
// much of the user service, which keeps the packages loosely coupled.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*user.Identity, error)
}

// Uploader stores message attachments.
type Uploader interface {
	Save(originalName string, r io.ReadSeeker) (*storage.File, error)
	Remove(f *storage.File) error
}

var fileFields = []string{"file", "image", "attachment"}

type Handler struct {
	svc        *Service
	auth       Authenticator
	uploads    Uploader
	sendBuffer int
	maxUpload  int64
	log        *zap.Logger
}

func NewHandler(svc *Service, auth Authenticator, uploads Uploader, sendBuffer int, maxUpload int64, log *zap.Logger) *Handler {
	return &Handler{
		svc:        svc,
		auth:       auth,
		uploads:    uploads,
		sendBuffer: sendBuffer,
		maxUpload:  maxUpload,
		log:        log,
	}
}

// ServeWs authenticates the handshake and then runs the session until the
// connection drops. Nothing is registered for a rejected handshake.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := myMiddleware.BearerToken(r)
	if token == "" {
		// Browsers cannot set headers on a websocket handshake.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		httpx.Error(w, h.log, apperr.Unauthenticated("No token provided"))
		return
	}
	identity, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// Store writes started by this session finish even if it hangs up mid-way.
	ctx := context.WithoutCancel(r.Context())

	client := NewClient(conn, identity.ID, h.sendBuffer, h.svc, h.log)
	h.svc.Connect(ctx, client)

	go client.WritePump()
	client.ReadPump(ctx)
}

// ---------------------------------------------
// Conversations
// ---------------------------------------------

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	caller, _ := myMiddleware.IdentityFrom(r.Context())

	var req StartConversationRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	conv, created, err := h.svc.StartConversation(r.Context(), caller, req)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	caller, _ := myMiddleware.IdentityFrom(r.Context())
	page, limit := pageParams(r, 20, 50)

	result, err := h.svc.ListConversations(r.Context(), caller.ID, page, limit)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) ConversationMessages(w http.ResponseWriter, r *http.Request) {
	caller, _ := myMiddleware.IdentityFrom(r.Context())
	page, limit := pageParams(r, 30, 100)

	result, err := h.svc.ListMessages(r.Context(), caller.ID, chi.URLParam(r, "id"), page, limit)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, _ := myMiddleware.IdentityFrom(r.Context())

	in, saved, err := h.readSendInput(w, r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), caller.ID, in)
	if err != nil {
		if saved != nil {
			if rmErr := h.uploads.Remove(saved); rmErr != nil {
				h.log.Warn("remove orphaned upload", zap.String("url", saved.URL), zap.Error(rmErr))
			}
		}
		httpx.Error(w, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusCreated, map[string]any{
		"message": "Message sent successfully",
		"data":    msg,
	})
}

// readSendInput accepts either a JSON body or a multipart form carrying at
// most one file. The file is stored before the message is written.
func (h *Handler) readSendInput(w http.ResponseWriter, r *http.Request) (SendMessageInput, *storage.File, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var body struct {
			ConversationID string      `json:"conversationId"`
			Body           string      `json:"body"`
			File           *Attachment `json:"file"`
		}
		if err := httpx.Decode(w, r, &body); err != nil {
			return SendMessageInput{}, nil, err
		}
		return SendMessageInput{ConversationID: body.ConversationID, Body: body.Body, File: body.File}, nil, nil
	}

	// Leave room for the form fields around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return SendMessageInput{}, nil, apperr.InvalidArgument("File too large")
		}
		return SendMessageInput{}, nil, apperr.InvalidArgument("Invalid multipart body")
	}

	in := SendMessageInput{
		ConversationID: r.FormValue("conversationId"),
		Body:           r.FormValue("body"),
	}
	if in.ConversationID == "" {
		return in, nil, apperr.InvalidArgument("conversationId is required")
	}

	for _, field := range fileFields {
		f, hdr, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return in, nil, apperr.InvalidArgument("Invalid file upload")
		}
		defer f.Close()

		if hdr.Size > h.maxUpload {
			return in, nil, apperr.InvalidArgument("File too large")
		}
		saved, err := h.uploads.Save(hdr.Filename, f)
		if err != nil {
			return in, nil, err
		}
		in.File = &Attachment{URL: saved.URL, Name: saved.Name, Type: saved.Type, Size: saved.Size}
		return in, saved, nil
	}
	return in, nil, nil
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, _ := myMiddleware.IdentityFrom(r.Context())

	var req MarkReadRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	updated, err := h.svc.MarkRead(r.Context(), caller.ID, req.ConversationID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"message":      "Messages marked as read",
		"updatedCount": updated,
	})
}

// GetChatHistory returns the whole conversation, oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	caller, _ := myMiddleware.IdentityFrom(r.Context())

	msgs, err := h.svc.History(r.Context(), caller.ID, chi.URLParam(r, "conversationId"))
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, msgs)
}

func pageParams(r *http.Request, defaultLimit, maxLimit int) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	// Keep the row offset inside a Postgres integer.
	page = max(1, min(page, math.MaxInt32/maxLimit))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultLimit
	}
	return page, min(limit, maxLimit)
}
