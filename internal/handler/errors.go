package handler

import (
	"errors"
	"net/http"

	"notes-server/internal/domain"
	"notes-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// writeError maps the domain error taxonomy onto HTTP statuses. Anything
// unrecognised is logged and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &validationErrs):
		response.BadRequest(w, validationErrs.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "Resource not found")
	case errors.Is(err, domain.ErrAccessDenied):
		response.Forbidden(w, "Access denied")
	case errors.Is(err, domain.ErrConflict):
		response.Conflict(w, "Resource already exists")
	case errors.Is(err, domain.ErrInvalidCredentials):
		response.Unauthorized(w, "Invalid credentials")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		response.InternalError(w, "Internal server error")
	}
}
