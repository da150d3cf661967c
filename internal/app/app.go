// Package app wires the lip-sync subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the providers, loads the
// avatar and opens the history store, Run serves HTTP until its context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithFrames, WithHistoryStore). When an option is not provided, New builds
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/font/opentype"

	"github.com/MrWong99/lipsync/internal/caption"
	"github.com/MrWong99/lipsync/internal/config"
	"github.com/MrWong99/lipsync/internal/health"
	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/internal/resilience"
	"github.com/MrWong99/lipsync/internal/server"
	"github.com/MrWong99/lipsync/internal/session"
	"github.com/MrWong99/lipsync/internal/session/history"
	"github.com/MrWong99/lipsync/pkg/avatar"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	reg            *config.Registry
	log            *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	tts       *resilience.TTSFallback
	llm       *resilience.LLMFallback
	newModel  config.LipsyncFactory
	frames    *avatar.Frames
	font      *opentype.Font
	history   history.Store
	manager   *session.Manager
	server    *server.Server
	httpSrv   *http.Server
	checkers  []health.Checker
	watchPath string
	watcher   *config.Watcher

	// mu guards the settings that reload without a restart.
	mu    sync.RWMutex
	voice tts.VoiceProfile
	chat  config.ChatConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the provider registry. The default registry holds
// the built-in providers.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithFrames injects avatar frames instead of loading avatar.path.
func WithFrames(f *avatar.Frames) Option {
	return func(a *App) { a.frames = f }
}

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithLogger sets the logger. level, if non-nil, is the handler's level and
// follows server.log_level on reload.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) {
		a.log = l
		a.level = level
	}
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Without it the route is not
// registered.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigWatch reloads path while the app runs. Log level, default voice,
// chat settings and allowed origins apply immediately; other changes are
// logged and wait for a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It fails when a
// configured provider cannot be built, the avatar cannot be loaded or the
// history database is unreachable.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		voice: voiceProfile(cfg.Voice),
		chat:  cfg.Chat,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltinProviders(a.reg)
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Avatar and captions ───────────────────────────────────────────
	if err := a.initAvatar(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init avatar: %w", err)
	}

	// ── 3. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Sessions and HTTP ─────────────────────────────────────────────
	a.manager = session.NewManager(session.ManagerConfig{
		Factory:     a.sessionConfig,
		MaxSessions: cfg.Server.MaxSessions,
		Logger:      a.log,
		Metrics:     a.metrics,
	})
	a.checkers = append(a.checkers,
		health.Checker{Name: "tts", Check: a.tts.Healthy},
		health.Capacity("sessions", a.manager.Count, a.manager.Limit()),
	)
	if a.llm != nil {
		a.checkers = append(a.checkers, health.Checker{Name: "llm", Check: a.llm.Healthy})
	}
	a.server = server.New(server.Config{
		Manager:        a.manager,
		Health:         health.New(a.checkers...),
		MetricsHandler: a.metricsHandler,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JPEGQuality:    cfg.Avatar.JPEGQuality,
		Voice:          a.voice,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders builds the TTS and LLM chains and resolves the lip-sync
// factory. Each chain puts a circuit breaker in front of every provider.
func (a *App) initProviders() error {
	pc := a.cfg.Providers
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Logger: a.log,
			OnStateChange: func(name string, from, to resilience.State) {
				a.log.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
			},
		},
	}

	primary, err := a.reg.CreateTTS(pc.TTS)
	if err != nil {
		return fmt.Errorf("tts %q: %w", pc.TTS.Name, err)
	}
	a.tts = resilience.NewTTSFallback(primary, pc.TTS.Name, fbCfg)
	for i, entry := range pc.TTSFallbacks {
		p, err := a.reg.CreateTTS(entry)
		if err != nil {
			return fmt.Errorf("tts fallback %d %q: %w", i, entry.Name, err)
		}
		if err := a.tts.AddFallback(entry.Name, p); err != nil {
			return err
		}
	}
	a.log.Info("provider created", "kind", "tts", "chain", a.tts.Names(), "sample_rate", a.tts.SampleRate())

	if pc.LLM.Name != "" {
		p, err := a.reg.CreateLLM(pc.LLM)
		if err != nil {
			return fmt.Errorf("llm %q: %w", pc.LLM.Name, err)
		}
		a.llm = resilience.NewLLMFallback(p, pc.LLM.Name, fbCfg)
		for i, entry := range pc.LLMFallbacks {
			fb, err := a.reg.CreateLLM(entry)
			if err != nil {
				return fmt.Errorf("llm fallback %d %q: %w", i, entry.Name, err)
			}
			a.llm.AddFallback(entry.Name, fb)
		}
		a.log.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "model", pc.LLM.Model)
	} else {
		a.log.Info("no LLM configured, chat requests will be rejected")
	}

	a.newModel, err = a.reg.LipsyncFactory(pc.Lipsync.Name)
	if err != nil {
		return fmt.Errorf("lipsync %q: %w", pc.Lipsync.Name, err)
	}
	return nil
}

// initAvatar loads the avatar frames and the caption font.
func (a *App) initAvatar() error {
	if a.frames == nil {
		frames, err := avatar.Load(a.cfg.Avatar.Path)
		if err != nil {
			return err
		}
		a.frames = frames
	}
	session.PrepareFrames(a.frames)
	a.log.Info("avatar loaded", "path", a.cfg.Avatar.Path, "frames", a.frames.Len(), "face_size", a.frames.FaceSize)

	if !a.cfg.Avatar.CaptionsEnabled() {
		return nil
	}
	font, err := caption.LoadFont(a.cfg.Avatar.Font)
	if err != nil {
		return err
	}
	a.font = font
	return nil
}

// initHistory opens the PostgreSQL store when a DSN is configured, and an
// in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.history = history.NewMemoryStore(a.cfg.History.MaxTokens)
		return nil
	}
	store, pool, err := history.Open(ctx, dsn, a.cfg.History.MaxTokens)
	if err != nil {
		return err
	}
	a.history = store
	a.checkers = append(a.checkers, health.Checker{Name: "history", Check: pool.Ping})
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.log.Info("history store connected", "backend", "postgres")
	return nil
}

// sessionConfig is the session factory. Every session shares the frames
// and providers and gets its own model instance.
func (a *App) sessionConfig(_ context.Context, id string) (session.Config, error) {
	model, err := a.newModel(a.cfg.Providers.Lipsync)
	if err != nil {
		return session.Config{}, fmt.Errorf("open lip-sync model: %w", err)
	}

	a.mu.RLock()
	voice, chat := a.voice, a.chat
	a.mu.RUnlock()

	cfg := session.Config{
		ID:           id,
		Frames:       a.frames,
		Model:        model,
		BatchSize:    a.cfg.Avatar.BatchSize,
		Warmup:       a.cfg.Avatar.Warmup,
		TTS:          a.tts,
		TTSName:      a.cfg.Providers.TTS.Name,
		Voice:        voice,
		History:      a.history,
		SystemPrompt: chat.SystemPrompt,
		Temperature:  chat.Temperature,
		MaxTokens:    chat.MaxTokens,
		Font:         a.font,
		Logger:       a.log,
		Metrics:      a.metrics,
	}
	if a.cfg.Avatar.CaptionOutline == "dark" {
		cfg.CaptionOutline = caption.DarkOutline
	}
	if a.llm != nil {
		cfg.LLM = a.llm
		cfg.LLMName = a.cfg.Providers.LLM.Name
	}
	return cfg, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.Reload, config.WithWatcherLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	a.log.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"max_sessions", a.cfg.Server.MaxSessions,
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Reload applies the hot-reloadable parts of next. It is the config
// watcher's callback.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged || d.ChatChanged {
		voice := voiceProfile(next.Voice)
		a.mu.Lock()
		a.voice = voice
		a.chat = next.Chat
		a.mu.Unlock()
		a.server.SetVoice(voice)
		a.log.Info("voice and chat settings reloaded", "voice", voice.Voice, "applies_to", "new sessions")
	}
	if d.OriginsChanged {
		a.server.SetAllowedOrigins(next.Server.AllowedOrigins)
		a.log.Info("allowed origins reloaded", "origins", next.Server.AllowedOrigins)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, closes every session and releases the
// remaining resources. It respects the context deadline: if ctx expires
// before the sessions have closed, the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.manager.Count())
		if a.watcher != nil {
			a.watcher.Stop()
		}
		// Hijacked WebSocket connections are not tracked by the HTTP server;
		// closing the sessions ends them.
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}
		if err := a.manager.CloseAll(ctx); err != nil {
			shutdownErr = err
		}
		a.close()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog value.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func voiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		Voice:    vc.Voice,
		Model:    vc.Model,
		Speed:    vc.Speed,
		Language: vc.Language,
	}
}
