package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rdv-chat/internal/chat"
	"rdv-chat/internal/logger"
	myMiddleware "rdv-chat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub     *Hub
	service *Service
	auth    *myMiddleware.AuthMiddleware
	log     *logger.Logger
}

func NewHandler(hub *Hub, service *Service, auth *myMiddleware.AuthMiddleware, log *logger.Logger) *Handler {
	return &Handler{hub: hub, service: service, auth: auth, log: logger.OrNop(log)}
}

// Routes mounts the chat endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Handle)
		}
		r.Get("/ws/{user_id}", h.ServeWs)
		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations/create", h.CreateConversation)
		r.Get("/conversations/{id}/messages", h.GetMessages)
		r.Post("/conversations/{id}/read", h.MarkRead)
		r.Post("/upload", h.Upload)
		r.Get("/download/{filename}", h.Download)
		r.Delete("/messages/{id}/attachment", h.DeleteAttachment)
	})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "user_id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := h.actingAs(r, userID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade failed: %v", err)
		return
	}

	client := newClient(h.hub, h.service, conn, userID, h.log)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.queryUser(w, r)
	if !ok {
		return
	}
	convs, err := h.service.Conversations(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	patientID, err1 := strconv.Atoi(r.PostForm.Get("patient_id"))
	doctorID, err2 := strconv.Atoi(r.PostForm.Get("medecin_id"))
	if err1 != nil || err2 != nil {
		writeError(w, chat.ErrInvalidInput)
		return
	}
	if h.actingAs(r, patientID) != nil && h.actingAs(r, doctorID) != nil {
		writeError(w, chat.ErrForbidden)
		return
	}

	id, created, err := h.service.CreateOrGetConversation(r.Context(), patientID, doctorID)
	if err != nil {
		h.fail(w, err)
		return
	}
	message := "Conversation already exists"
	if created {
		message = "Conversation created"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": id,
		"message":         message,
	})
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := urlInt(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUser(w, r)
	if !ok {
		return
	}
	limit, err1 := optionalInt(r, "limit", DefaultPageSize)
	offset, err2 := optionalInt(r, "offset", 0)
	if err1 != nil || err2 != nil {
		writeError(w, chat.ErrInvalidInput)
		return
	}

	msgs, err := h.service.History(r.Context(), convID, userID, limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	convID, ok := urlInt(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUser(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkRead(r.Context(), convID, userID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the other form fields on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.service.maxUpload+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, chat.ErrTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	convID, err1 := strconv.Atoi(r.FormValue("conversation_id"))
	senderID, err2 := strconv.Atoi(r.FormValue("sender_id"))
	if err1 != nil || err2 != nil {
		writeError(w, chat.ErrInvalidInput)
		return
	}
	if err := h.actingAs(r, senderID); err != nil {
		writeError(w, err)
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, chat.ErrInvalidInput)
		return
	}
	defer file.Close()

	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := h.service.UploadAttachment(r.Context(), Upload{
		ConversationID: convID,
		SenderID:       senderID,
		Filename:       hdr.Filename,
		ContentType:    contentType,
		Size:           hdr.Size,
		Body:           file,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	obj, err := h.service.Download(r.Context(), filename)
	if err != nil {
		h.fail(w, err)
		return
	}
	defer obj.Body.Close()

	// Uploaded files are never rendered inline by the browser.
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.log.Warnf("download interrupted: %v", err)
	}
}

func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	msgID, ok := urlInt(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUser(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteAttachment(r.Context(), msgID, userID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Attachment deleted"})
}

// actingAs checks that an authenticated caller only acts for itself. With
// auth disabled every caller may act for anyone.
func (h *Handler) actingAs(r *http.Request, userID int) error {
	if h.auth == nil || !h.auth.Required() {
		return nil
	}
	id, ok := myMiddleware.UserFromContext(r.Context())
	if !ok || id != userID {
		return chat.ErrForbidden
	}
	return nil
}

// queryUser reads the required user_id query parameter and checks the caller
// may act for that user.
func (h *Handler) queryUser(w http.ResponseWriter, r *http.Request) (int, bool) {
	userID, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "user_id is required"})
		return 0, false
	}
	if err := h.actingAs(r, userID); err != nil {
		writeError(w, err)
		return 0, false
	}
	return userID, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.log.Errorf("request failed: %v", err)
	}
	writeError(w, err)
}

func urlInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid " + name})
		return 0, false
	}
	return v, true
}

func optionalInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chat.ErrInvalidInput), errors.Is(err, chat.ErrMissingFields):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errorDetails = map[int]string{
	http.StatusNotFound:              "Not found",
	http.StatusForbidden:             "Access denied",
	http.StatusRequestEntityTooLarge: "File too large",
	http.StatusBadRequest:            "Invalid request",
	http.StatusInternalServerError:   "Internal server error",
}

// writeError answers with {"detail": ...}, the shape the mobile app reads.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, map[string]string{"detail": errorDetails[status]})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
