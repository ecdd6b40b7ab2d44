package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ButyrinIA/remy/internal/moderation"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type errResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// fail maps err to a status. Unknown errors are logged and reported as 500
// without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		bad   errBadRequest
		verrs validator.ValidationErrors
	)
	switch {
	case errors.As(err, &bad):
		writeError(w, r, http.StatusBadRequest, bad.msg)
	case errors.As(err, &verrs):
		writeError(w, r, http.StatusBadRequest, verrs.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, moderation.ErrNotQueued):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCommentsDisabled), errors.Is(err, errNotAuthor):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, moderation.ErrBulkAction):
		writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return errBadRequest{msg: "malformed request body"}
	}
	return s.validate.Struct(v)
}

var errNotAuthor = errors.New("only the author can change this comment")

type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadRequest{msg: "invalid " + name}
	}
	return id, nil
}
