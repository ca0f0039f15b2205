package gatewayserver

import (
	"net/http"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

// statusFor is the inverse of gatewayclient's own checkStatus: it maps
// the closed error taxonomy onto the HTTP status a caller on the other
// side of that function will decode it back through.
func statusFor(err error) int {
	switch mapErrKind(err) {
	case errs.Conflict:
		return http.StatusConflict
	case errs.BadRequest, errs.UnexpectedBody, errs.UpToDate:
		return http.StatusBadRequest
	case errs.AuthorizationMissing, errs.AuthorizationInvalid, errs.SignatureInvalid:
		return http.StatusForbidden
	case errs.MissingBlock:
		return http.StatusNotFound
	case errs.MissingHistory:
		return http.StatusUnprocessableEntity
	case errs.SyncInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error("gateway request failed", "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}
