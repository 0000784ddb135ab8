package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/clawfleet/fleetd/internal/apierrors"
)

// envelope mirrors the admin wire shape of §6: a bare "result" on success, or
// an apierrors.Response shaped error.
type envelope struct {
	Result any               `json:"result,omitempty"`
	Error  *apierrors.Response `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, envelope{Result: result})
}

// writeError maps an apierrors.Kind to an HTTP status and writes the
// standard {"error": {...}} envelope from §7.
func writeError(w http.ResponseWriter, err *apierrors.Error) {
	resp := err.AsResponse()
	writeJSON(w, statusForKind(err.Kind), envelope{Error: &resp})
}

func statusForKind(kind apierrors.Kind) int {
	switch kind {
	case apierrors.KindInvalidRequest:
		return http.StatusBadRequest
	case apierrors.KindAuthFailed:
		return http.StatusUnauthorized
	case apierrors.KindNotFound:
		return http.StatusNotFound
	case apierrors.KindDuplicateName, apierrors.KindNoCapacity, apierrors.KindPlacementExhausted:
		return http.StatusConflict
	case apierrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apierrors.KindMethodNotSupported:
		return http.StatusNotImplemented
	case apierrors.KindSessionLost, apierrors.KindTransportDead:
		return http.StatusBadGateway
	case apierrors.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into dst, writing invalid-request on
// failure so the caller can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "invalid request body: %v", err))
		return false
	}
	return true
}
