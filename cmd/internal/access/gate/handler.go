package gate

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"voicegate/cmd/internal/access/session"
	"voicegate/cmd/internal/access/token"
)

// Config controls the HTTP surface of the gate.
type Config struct {
	CookieName   string
	CookiePath   string
	CookieDomain string
	CookieSecure bool
	CookieMaxAge time.Duration

	TrustProxy   bool
	AdminKey     string
	MaxBodyBytes int64
}

// DefaultConfig returns the cookie contract of the agent: session_id, path /, 24h.
func DefaultConfig() Config {
	return Config{
		CookieName:   "session_id",
		CookiePath:   "/",
		CookieMaxAge: session.DefaultTTL,
		MaxBodyBytes: 16 << 10,
	}
}

// Handler exposes the gate operations over HTTP.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc *Service
}

// NewHandler constructs a Handler. Zero config fields take DefaultConfig values.
func NewHandler(log *slog.Logger, svc *Service, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("gate: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if strings.TrimSpace(cfg.CookieName) == "" {
		cfg.CookieName = def.CookieName
	}
	if strings.TrimSpace(cfg.CookiePath) == "" {
		cfg.CookiePath = def.CookiePath
	}
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = def.CookieMaxAge
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, svc: svc}, nil
}

// Register wires the gate routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/tokens", h.handleGenerate)
	mux.HandleFunc("/api/tokens/validate", h.handleValidate)
	mux.HandleFunc("/api/tokens/redeem", h.handleRedeem)
	mux.HandleFunc("/api/tokens/stats", h.handleStats)
	mux.HandleFunc("/api/session", h.handleSession)
	mux.HandleFunc("/api/logout", h.handleLogout)
	mux.HandleFunc("/api/admin/cleanup", h.handleCleanup)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.adminAllowed(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "admin key required")
		return
	}
	res := h.svc.GenerateToken(r.Context())
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ValidateToken(r.Context(), req.Token))
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res := h.svc.UseToken(r.Context(), req.Token, h.clientOf(r))
	if res.Valid && res.SessionID != "" {
		h.setSessionCookie(w, res.SessionID, res.SessionExpiresAt)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", token.MsgRequired)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.TokenStats(r.Context(), raw))
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	v := h.svc.ValidateSession(r.Context(), h.SessionIDFromRequest(r))
	if !v.Valid && v.Message == session.MsgExpired {
		h.expireSessionCookie(w)
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res := h.svc.Logout(r.Context(), h.SessionIDFromRequest(r))
	h.expireSessionCookie(w)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.adminAllowed(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "admin key required")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Cleanup(r.Context()))
}
