// Package chatapi exposes the message delivery channel over REST.
//
// Routes:
//
//	POST   /api/messages/send/{userId}
//	GET    /api/messages/get/{userId}/{otherId}
//	DELETE /api/messages/delete/{id}
//	GET    /api/messages/users/{userId}
//	GET    /api/attachments/{ref}
//
// When the router is wrapped with auth.RequireBearer, the acting user is the
// verified principal and a path userId naming anyone else is rejected with 403.
package chatapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pulse/cmd/internal/attachments"
	"pulse/cmd/internal/auth"
	"pulse/cmd/internal/realtime"
	v1 "pulse/shared/contracts/realtime/v1"
)

const (
	maxJSONBytes      = 64 << 10
	multipartOverhead = 1 << 20
	defaultTimeout    = 5 * time.Second
)

// Messages is the delivery surface the handler drives.
type Messages interface {
	Send(ctx context.Context, in realtime.SendInput) (v1.Message, error)
	Delete(ctx context.Context, messageID, requesterID string) (v1.Message, error)
	FetchConversation(ctx context.Context, a, b string) ([]v1.Message, error)
}

// Attachments is the upload collaborator.
type Attachments interface {
	Upload(ctx context.Context, contentType string, r io.Reader) (attachments.Attachment, error)
	Get(ref string) (attachments.Attachment, []byte, error)
	MaxBytes() int64
}

// Users lists sidebar contacts.
type Users interface {
	ListUsers(ctx context.Context, excludeID string) ([]v1.UserSummary, error)
}

// Handler serves the REST routes.
type Handler struct {
	log      *slog.Logger
	messages Messages
	files    Attachments
	users    Users
	timeout  time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithAttachments enables image uploads and the download route.
func WithAttachments(a Attachments) Option {
	return func(h *Handler) { h.files = a }
}

// WithUsers enables the sidebar user listing.
func WithUsers(u Users) Option {
	return func(h *Handler) { h.users = u }
}

// WithTimeout bounds each store call (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHandler builds the REST handler.
func NewHandler(log *slog.Logger, messages Messages, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, messages: messages, timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages/send/{userId}", h.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/messages/get/{userId}/{otherId}", h.handleFetch).Methods(http.MethodGet)
	api.HandleFunc("/messages/delete/{id}", h.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/messages/users/{userId}", h.handleUsers).Methods(http.MethodGet)
	api.HandleFunc("/attachments/{ref}", h.handleAttachment).Methods(http.MethodGet, http.MethodHead)
}

type sendRequest struct {
	ReceiverID    string `json:"receiverId"`
	Message       string `json:"message,omitempty"`
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	ClientMsgID   string `json:"clientMsgId,omitempty"`
}

type deleteRequest struct {
	SenderID string `json:"senderId"`
}

type deleteResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.actingUser(w, r, mux.Vars(r)["userId"])
	if !ok {
		return
	}

	var req sendRequest
	if isMultipart(r) {
		parsed, ok := h.readMultipartSend(w, r)
		if !ok {
			return
		}
		req = parsed
	} else if err := decodeJSON(w, r, maxJSONBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	body := req.Body
	if body == "" {
		body = req.Message
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	msg, err := h.messages.Send(ctx, realtime.SendInput{
		SenderID:      sender,
		ReceiverID:    strings.TrimSpace(req.ReceiverID),
		Body:          body,
		AttachmentRef: strings.TrimSpace(req.AttachmentRef),
		ClientMsgID:   strings.TrimSpace(req.ClientMsgID),
	})
	if err != nil {
		h.writeDeliveryError(w, r, "send", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// readMultipartSend uploads the optional "image" part first; an upload failure aborts the send.
func (h *Handler) readMultipartSend(w http.ResponseWriter, r *http.Request) (sendRequest, bool) {
	limit := int64(attachments.DefaultMaxBytes)
	if h.files != nil {
		limit = h.files.MaxBytes()
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "attachment_too_large", "upload exceeds the size limit")
			return sendRequest{}, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return sendRequest{}, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := sendRequest{
		ReceiverID:  r.FormValue("receiverId"),
		Message:     r.FormValue("message"),
		Body:        r.FormValue("body"),
		ClientMsgID: r.FormValue("clientMsgId"),
	}

	file, fh, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid image part")
		return sendRequest{}, false
	}
	defer func() { _ = file.Close() }()

	if h.files == nil {
		writeError(w, http.StatusServiceUnavailable, "attachments_disabled", "attachments are not configured")
		return sendRequest{}, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	att, err := h.files.Upload(ctx, fh.Header.Get("Content-Type"), file)
	if err != nil {
		status, code := attachmentStatus(err)
		if status >= 500 {
			h.log.Error("chatapi.upload.fail", "err", err)
		}
		writeError(w, status, code, err.Error())
		return sendRequest{}, false
	}
	req.AttachmentRef = att.URI()
	return req, true
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	self, ok := h.actingUser(w, r, vars["userId"])
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	msgs, err := h.messages.FetchConversation(ctx, self, strings.TrimSpace(vars["otherId"]))
	if err != nil {
		h.writeDeliveryError(w, r, "fetch", err)
		return
	}
	if msgs == nil {
		msgs = []v1.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])

	requester, verified := auth.UserIDFromContext(r.Context())
	if !verified {
		requester = strings.TrimSpace(r.URL.Query().Get("senderId"))
		if requester == "" && r.ContentLength != 0 {
			var req deleteRequest
			if err := decodeJSON(w, r, maxJSONBytes, &req); err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
				return
			}
			requester = strings.TrimSpace(req.SenderID)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.messages.Delete(ctx, id, requester); err != nil {
		h.writeDeliveryError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Success: true})
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	self, ok := h.actingUser(w, r, mux.Vars(r)["userId"])
	if !ok {
		return
	}
	if h.users == nil {
		writeError(w, http.StatusServiceUnavailable, "users_disabled", "user listing is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	users, err := h.users.ListUsers(ctx, self)
	if err != nil {
		h.log.Error("chatapi.users.fail", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, realtime.ErrorCode(realtime.ErrPersistence), "internal error")
		return
	}
	if users == nil {
		users = []v1.UserSummary{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleAttachment(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, http.StatusNotFound, "not_found", "attachment not found")
		return
	}

	att, data, err := h.files.Get(mux.Vars(r)["ref"])
	if err != nil {
		if errors.Is(err, attachments.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "attachment not found")
			return
		}
		h.log.Error("chatapi.attachment.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	w.Header().Set("Content-Disposition", "inline; filename=\""+att.Ref+"\"")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

// actingUser resolves the user a request acts for. With a verified principal the
// path id must name that principal.
func (h *Handler) actingUser(w http.ResponseWriter, r *http.Request, pathID string) (string, bool) {
	pathID = strings.TrimSpace(pathID)
	principal, verified := auth.UserIDFromContext(r.Context())
	if verified && pathID != principal {
		writeError(w, http.StatusForbidden, realtime.ErrorCode(realtime.ErrForbidden), "path user does not match the authenticated user")
		return "", false
	}
	return pathID, true
}

func (h *Handler) writeDeliveryError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	code := realtime.ErrorCode(err)
	if status >= 500 {
		h.log.Error("chatapi."+op+".fail", "err", err, "path", r.URL.Path)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, errorMessage(err))
}

// statusFor maps delivery error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, realtime.ErrInvalidParticipant),
		errors.Is(err, realtime.ErrEmptyMessage),
		errors.Is(err, realtime.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, realtime.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func attachmentStatus(err error) (int, string) {
	switch {
	case errors.Is(err, attachments.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "attachment_too_large"
	case errors.Is(err, attachments.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "unsupported_attachment"
	case errors.Is(err, attachments.ErrEmpty):
		return http.StatusBadRequest, "empty_attachment"
	default:
		return http.StatusInternalServerError, "upload_failed"
	}
}

func errorMessage(err error) string {
	var opErr realtime.OpError
	if errors.As(err, &opErr) && opErr.Kind != nil {
		return opErr.Kind.Error()
	}
	return err.Error()
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}
