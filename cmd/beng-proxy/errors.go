package main

import (
	"net/http"

	"github.com/CM4all/beng-proxy/internal/bperror"
)

// statusForError maps a classified pipeline error to the HTTP status
// this daemon's own front end reports to the client, per spec.md §7
// ("errors are reported with a status appropriate to their Kind, not
// collapsed to a single generic 500").
func statusForError(err error) int {
	switch {
	case bperror.Is(err, bperror.KindNotFound):
		return http.StatusNotFound
	case bperror.Is(err, bperror.KindConfig):
		return http.StatusBadRequest
	case bperror.Is(err, bperror.KindTranslation), bperror.Is(err, bperror.KindUpstreamIO), bperror.Is(err, bperror.KindProtocol):
		return http.StatusBadGateway
	case bperror.Is(err, bperror.KindCancelled):
		return 499 // client closed request, matching nginx's convention
	default:
		return http.StatusInternalServerError
	}
}
