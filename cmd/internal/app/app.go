// Package app wires the voicegate server runtime: config, logging, persistence, HTTP routes,
// the voice websocket gateway and the expiry sweeper.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicegate/cmd/internal/access/gate"
	"voicegate/cmd/internal/access/session"
	"voicegate/cmd/internal/access/token"
	"voicegate/cmd/internal/chat"
	"voicegate/cmd/internal/elevenlabs"
	"voicegate/cmd/internal/metrics"
	"voicegate/cmd/internal/realtime"
	"voicegate/cmd/internal/voiceapi"
	sectoken "voicegate/cmd/security/token"
)

// App owns the HTTP server wiring and every long-lived dependency.
type App struct {
	cfg Config
	log Logger

	stores  *stores
	metrics *metrics.Metrics

	gate  *gate.Service
	auth  *gate.Handler
	voice *voiceapi.Handler
	ws    *realtime.Gateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, st)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, st *stores) (*App, error) {
	m := metrics.New()

	lookup, err := sectoken.NewHasher(cfg.HMACKey, sectoken.PurposeLookup)
	if err != nil {
		return nil, err
	}
	sessionRef, err := sectoken.NewHasher(cfg.HMACKey, sectoken.PurposeSession)
	if err != nil {
		return nil, err
	}
	if !lookup.Keyed() {
		log.Warn("access.hash.unkeyed", "hint", "set ACCESS_TOKEN_HMAC_KEY outside development")
	}
	if cfg.AdminAPIKey == "" {
		log.Warn("access.admin.open", "app_env", cfg.Env, "hint", "set ADMIN_API_KEY to restrict token minting and cleanup")
	}

	tokens, err := token.NewService(st.tokens,
		token.WithHasher(lookup),
		token.WithPolicy(cfg.Policy),
		token.WithTTL(cfg.TokenTTL()),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewService(st.sessions, session.WithTTL(cfg.SessionTTL))
	if err != nil {
		return nil, err
	}

	gateSvc, err := gate.NewService(log, tokens, sessions,
		gate.WithSessionRefHasher(sessionRef),
		gate.WithAppURL(cfg.AppURL),
		gate.WithObserver(m),
	)
	if err != nil {
		return nil, err
	}

	gcfg := gate.DefaultConfig()
	gcfg.CookieSecure = cfg.Production()
	gcfg.CookieMaxAge = cfg.SessionTTL
	gcfg.TrustProxy = cfg.TrustProxy
	gcfg.AdminKey = cfg.AdminAPIKey
	authHandler, err := gate.NewHandler(log, gateSvc, gcfg)
	if err != nil {
		return nil, err
	}

	chatOpts := []chat.Option{chat.WithObserver(m)}
	if r := chat.NewOpenAIResponder(chat.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	}); r != nil {
		chatOpts = append(chatOpts, chat.WithModel(r))
	} else {
		log.Warn("chat.model.disabled", "reason", "OPENAI_API_KEY not set")
	}
	chatSvc := chat.NewService(log, chatOpts...)

	tts := elevenlabs.New(elevenlabs.Config{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: cfg.ElevenLabsVoiceID,
		ModelID: cfg.ElevenLabsModelID,
		BaseURL: cfg.ElevenLabsBaseURL,
	})
	if !tts.Configured() {
		log.Warn("tts.disabled", "reason", "ELEVENLABS_API_KEY not set")
	}

	voice, err := voiceapi.NewHandler(log, chatSvc, tts, voiceapi.WithObserver(m))
	if err != nil {
		return nil, err
	}

	wcfg := realtime.DefaultConfig()
	wcfg.OriginRequired = cfg.WSOriginRequired
	if len(cfg.WSAllowedOrigins) > 0 {
		wcfg.AllowedOrigins = cfg.WSAllowedOrigins
	}
	wcfg.InsecureSkipVerify = cfg.WSDevInsecure && !cfg.Production()
	wcfg.DefaultVoiceID = tts.DefaultVoice()
	ws, err := realtime.NewGateway(log, authHandler,
		realtime.ChatBackend{Service: chatSvc},
		realtime.SpeechBackend{Client: tts, Observer: m},
		wcfg,
		realtime.WithObserver(m),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		stores:  st,
		metrics: m,
		gate:    gateSvc,
		auth:    authHandler,
		voice:   voice,
		ws:      ws,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log, a.metrics, a.cfg.TrustProxy)
}

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.stores.ready(r.Context()); err != nil {
			a.log.Warn("server.ready.fail", "backend", a.stores.backend, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "backend": a.stores.backend})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "backend": a.stores.backend})
	})

	if a.cfg.MetricsEnabled {
		mux.Handle("/metrics", a.metrics.Handler())
	}

	a.auth.Register(mux)
	a.voice.Register(mux)
	a.ws.Register(mux)
}

// Run starts the HTTP server and the sweeper, and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws/voice",
		"store", a.stores.backend,
		"token_policy", string(a.gate.Policy()),
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweep(sweepCtx, a.cfg.CleanupInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if err := a.stores.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// sweep runs Cleanup every interval until ctx is done. A non-positive interval disables it.
func (a *App) sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		a.log.Info("access.sweeper.disabled")
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res := a.gate.Cleanup(ctx)
			if !res.Success {
				a.log.Warn("access.sweeper.fail", "message", res.Message)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
