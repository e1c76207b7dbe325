package chat

import (
	"encoding/json"
	"net/http"
	"strconv"

	myMiddleware "github.com/campuscreators/chatfeed/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Error codes carried in error frames and JSON error bodies.
const (
	codePermission  = "permission_denied"
	codeValidation  = "validation"
	codeNotFound    = "not_found"
	codeUnavailable = "unavailable"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return codePermission
	case errors.Is(err, ErrValidation):
		return codeValidation
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	}
	return codeUnavailable
}

func statusOf(err error) int {
	switch errorCode(err) {
	case codePermission:
		return http.StatusForbidden
	case codeValidation:
		return http.StatusBadRequest
	case codeNotFound:
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the chat endpoints. r must already run the auth
// middleware.
func (h *Handler) Routes(r chi.Router) {
	// WebSocket (Real-time)
	r.Get("/ws", h.ServeWs)

	r.Post("/api/conversations", h.CreateConversation)
	r.Route("/api/conversations/{kind}/{id}", func(r chi.Router) {
		r.Delete("/", h.DeleteConversation)
		r.Get("/messages", h.GetHistory)
		r.Post("/messages", h.SendMessage)
		r.Delete("/messages/{messageID}", h.DeleteMessage)
		r.Post("/messages/{messageID}/reactions", h.ToggleReaction)
		r.Post("/messages/{messageID}/reports", h.ReportMessage)
		r.Get("/pin", h.GetPin)
		r.Put("/pin", h.PinMessage)
		r.Delete("/pin", h.Unpin)
		r.Get("/members", h.ListMembers)
		r.Post("/members", h.AddMembers)
		r.Delete("/members/{userID}", h.RemoveMember)
	})

	r.Get("/api/blocks", h.ListBlocked)
	r.Post("/api/blocks", h.Block)
	r.Delete("/api/blocks/{userID}", h.Unblock)
}

func viewerFrom(r *http.Request) (Viewer, bool) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(string)
	name, ok2 := r.Context().Value(myMiddleware.DisplayNameKey).(string)
	if !ok || !ok2 || userID == "" {
		return Viewer{}, false
	}
	isAdmin, _ := r.Context().Value(myMiddleware.AdminKey).(bool)
	return Viewer{ID: userID, DisplayName: name, IsAdmin: isAdmin}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusServiceUnavailable {
		jww.ERROR.Printf("[CHAT] ❌ %v", err)
	}
	writeJSON(w, status, map[string]string{"code": errorCode(err), "error": err.Error()})
}

// request resolves the viewer and the conversation of a
// /api/conversations/{kind}/{id} route.
func request(w http.ResponseWriter, r *http.Request) (Viewer, Ref, bool) {
	viewer, ok := viewerFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return Viewer{}, Ref{}, false
	}
	ref, err := ParseRef(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return Viewer{}, Ref{}, false
	}
	return viewer, ref, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.Wrap(ErrValidation, err.Error()))
		return false
	}
	return true
}

// ServeWs opens one feed per socket: /ws?kind=&id=&page_size=
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind == "" {
		kind = string(KindGlobal)
	}
	ref, err := ParseRef(kind, q.Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize := 0
	if v := q.Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil || pageSize <= 0 {
			writeError(w, errors.Wrap(ErrValidation, "page_size must be a positive number"))
			return
		}
	}

	fc, err := h.svc.NewFeed(r.Context(), viewer, ref, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("[CHAT] websocket upgrade: %v", err)
		return
	}
	if err := fc.Open(r.Context()); err != nil {
		jww.ERROR.Printf("[CHAT] ❌ open feed %s for %s: %v", ref, viewer.ID, err)
		msg, _ := json.Marshal(frame{Type: frameError, Code: errorCode(err), Error: err.Error()})
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.Close()
		return
	}
	jww.DEBUG.Printf("[CHAT] %s opened %s", viewer.ID, ref)
	newClient(fc, conn).start()
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errors.Wrap(ErrValidation, "limit must be a positive number"))
			return
		}
		limit = n
	}
	page, err := h.svc.History(r.Context(), viewer, ref, r.URL.Query().Get("before"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.Send(r.Context(), viewer, ref, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), viewer, ref, chi.URLParam(r, "messageID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if !decode(w, r, &req) {
		return
	}
	added, err := h.svc.ToggleReaction(r.Context(), viewer, ref, chi.URLParam(r, "messageID"), req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reacted": added})
}

func (h *Handler) ReportMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	if !decode(w, r, &req) {
		return
	}
	report, err := h.svc.ReportMessage(r.Context(), viewer, ref, chi.URLParam(r, "messageID"), req.Reason, req.Details)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (h *Handler) GetPin(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	m, pin, err := h.svc.Pinned(r.Context(), viewer, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	if pin == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pin": pin, "message": m})
}

func (h *Handler) PinMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Pin(r.Context(), viewer, ref, req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unpin(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	if err := h.svc.Unpin(r.Context(), viewer, ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Kind    string   `json:"kind"`
		ID      string   `json:"id"`
		Title   string   `json:"title"`
		Members []string `json:"members"`
	}
	if !decode(w, r, &req) {
		return
	}
	ref, err := ParseRef(req.Kind, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	conv, err := h.svc.CreateConversation(r.Context(), viewer, ref, req.Title, req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteConversation(r.Context(), viewer, ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	ids, err := h.svc.Members(r.Context(), viewer, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"members": ids})
}

func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.AddMembers(r.Context(), viewer, ref, req.UserIDs...); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	viewer, ref, ok := request(w, r)
	if !ok {
		return
	}
	if err := h.svc.RemoveMember(r.Context(), viewer, ref, chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	ids, err := h.svc.Blocked(r.Context(), viewer)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blocked": ids})
}

func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Scope  string `json:"scope"`
	}
	if !decode(w, r, &req) {
		return
	}
	scope, err := ParseScope(req.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.BlockSender(r.Context(), viewer, req.UserID, scope); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	scope, err := ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.UnblockSender(r.Context(), viewer, chi.URLParam(r, "userID"), scope); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
