package handler

import (
	"context"
	"net/http"

	"notes-server/internal/domain"
	"notes-server/internal/middleware"
	"notes-server/pkg/response"
)

type UserService interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

type UserHandler struct {
	userService UserService
}

func NewUserHandler(userService UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	user, err := h.userService.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Success(w, user)
}
