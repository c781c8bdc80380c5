package gate

import (
	"net/http"
	"strings"

	sectoken "voicegate/cmd/security/token"
)

// Principal identifies an authorised voice client.
type Principal struct {
	// Ref is a non-reversible reference to the credential, safe for logs.
	Ref string
	// ViaToken is set when the caller presented a multi-use token instead of a session.
	ViaToken bool
}

// Authorize admits a request to the voice agent. Under the single-use policy the
// session_id cookie must name a valid session; under multi-use a valid ?token= is
// accepted as well.
func (h *Handler) Authorize(r *http.Request) (Principal, bool) {
	if id := h.SessionIDFromRequest(r); id != "" {
		if v := h.svc.ValidateSession(r.Context(), id); v.Valid {
			return Principal{Ref: sectoken.LogRef(sectoken.HashSHA256Hex(id))}, true
		}
	}
	if h.svc.Policy().Consumes() {
		return Principal{}, false
	}
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		return Principal{}, false
	}
	if v := h.svc.ValidateToken(r.Context(), raw); v.Valid {
		return Principal{Ref: h.svc.logRef(raw), ViaToken: true}, true
	}
	return Principal{}, false
}
