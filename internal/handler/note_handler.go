package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"notes-server/internal/domain"
	"notes-server/internal/middleware"
	"notes-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type NoteService interface {
	Create(ctx context.Context, ownerID int64, req *domain.CreateNoteRequest) (*domain.NoteView, error)
	Get(ctx context.Context, ownerID, noteID int64) (*domain.NoteView, error)
	List(ctx context.Context, ownerID int64, skip, limit int) ([]domain.NoteView, error)
	Update(ctx context.Context, ownerID, noteID int64, upd domain.NoteUpdate) (*domain.NoteView, error)
	Delete(ctx context.Context, ownerID, noteID int64) error
	History(ctx context.Context, ownerID, noteID int64) ([]domain.VersionSnapshot, error)
}

type NoteHandler struct {
	service  NoteService
	validate *validator.Validate
}

func NewNoteHandler(service NoteService) *NoteHandler {
	return &NoteHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	var req domain.CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, err)
		return
	}

	note, err := h.service.Create(r.Context(), userID, &req)
	if errors.Is(err, domain.ErrPartialSuccess) && note != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Int64("note_id", note.ID).Msg("note created without history")
		response.CreatedWithWarning(w, note, "Note saved but its history could not be recorded")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Created(w, note)
}

func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		response.BadRequest(w, "skip must be an integer")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		response.BadRequest(w, "limit must be an integer")
		return
	}

	notes, err := h.service.List(r.Context(), userID, skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Success(w, notes)
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, noteID, ok := noteParams(w, r)
	if !ok {
		return
	}

	note, err := h.service.Get(r.Context(), userID, noteID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Success(w, note)
}

func (h *NoteHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, noteID, ok := noteParams(w, r)
	if !ok {
		return
	}

	var upd domain.NoteUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(upd); err != nil {
		writeError(w, r, err)
		return
	}

	note, err := h.service.Update(r.Context(), userID, noteID, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Success(w, note)
}

func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, noteID, ok := noteParams(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, noteID); err != nil {
		writeError(w, r, err)
		return
	}

	response.NoContent(w)
}

func (h *NoteHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, noteID, ok := noteParams(w, r)
	if !ok {
		return
	}

	history, err := h.service.History(r.Context(), userID, noteID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Success(w, history)
}

func noteParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		response.Unauthorized(w, "Unauthorized")
		return 0, 0, false
	}

	noteID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || noteID <= 0 {
		response.BadRequest(w, "Invalid note ID")
		return 0, 0, false
	}

	return userID, noteID, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
