package diag

import (
	"net/http"

	"github.com/go-chi/render"
)

type VersionResponse struct {
	Version string `json:"version"`
}

// Result of a dictionary read
type ReadResponse struct {
	Index    string `json:"index"`
	Subindex string `json:"subindex"`
	Data     string `json:"data"`
	Length   int    `json:"length"`
}

type NmtResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

// ErrResponse is the body of every failed request
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrResponse(status int, err error) *ErrResponse {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: status,
		StatusText:     http.StatusText(status),
		ErrorText:      err.Error(),
	}
}

func ErrInvalidRequest(err error) render.Renderer {
	return newErrResponse(http.StatusBadRequest, err)
}

func ErrNotFound(err error) render.Renderer {
	return newErrResponse(http.StatusNotFound, err)
}

func ErrForbidden(err error) render.Renderer {
	return newErrResponse(http.StatusForbidden, err)
}

func ErrConflict(err error) render.Renderer {
	return newErrResponse(http.StatusConflict, err)
}

func ErrInternal(err error) render.Renderer {
	return newErrResponse(http.StatusInternalServerError, err)
}
