package unityhelper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/unityhelper/unityhelper.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	ErrStartupTimeout  = errors.New("startup cancelled or timed out")
	ErrShutdownTimeout = errors.New("in-flight interactions did not finish in time")
)

// shutdownAnnouncementInterval is how often the time remaining until a
// forced shutdown is logged
var shutdownAnnouncementInterval = 10 * time.Second

// UnityHelper is the bot. It receives slash commands from the discord
// gateway, answers them with Gemini, and reports its state on the
// health server.
type UnityHelper struct {
	config *Config
	logger *slog.Logger

	discord       *Discord
	gemini        *Gemini
	throttle      *RequestThrottle
	throttleStore *MemoryThrottleStore
	knownIssues   *KnownIssues
	health        *HealthServer

	startedAt time.Time

	// prevents concurrent runs
	runMu sync.Mutex

	// signalReady receives a value once discord is connected and
	// commands are registered
	signalReady chan struct{}

	// getInteractionHandlerFunc wraps each incoming interaction. Tests
	// replace it to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	metricInteractions   atomic.Int64
	metricThrottled      atomic.Int64
	metricKnownIssueHits atomic.Int64
}

// New creates a bot from the given config. Nothing connects until
// [UnityHelper.Run] is called.
func New(config *Config) (*UnityHelper, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.setDefaultLogLevels()

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	var errs []error

	u := &UnityHelper{
		config:      config,
		startedAt:   time.Now(),
		signalReady: make(chan struct{}, 1),
	}

	u.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(u.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	u.gemini = newGemini(config.Gemini, config.HTTPClient)

	u.throttleStore = NewMemoryThrottleStore()
	u.throttle = NewRequestThrottle(u.throttleStore, config.Throttle)

	var knownIssues *KnownIssues
	var err error
	if config.KnownIssuesFile != "" {
		knownIssues, err = LoadKnownIssuesFile(config.KnownIssuesFile)
	} else {
		knownIssues, err = LoadKnownIssues()
	}
	if err != nil {
		errs = append(errs, err)
	}
	u.knownIssues = knownIssues

	config.Discord.httpClient = config.HTTPClient
	u.discord = newDiscord(config.Discord)

	if config.HealthServerEnabled() {
		u.health = newHealthServer(u, config.Health)
	}

	return u, errors.Join(errs...)
}

func (u *UnityHelper) ValidateConfig() error {
	return u.config.Validate()
}

// RegisterSlashCommands registers the bot's slash commands, without
// connecting to the gateway.
func (u *UnityHelper) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if u.discord.session == nil {
		session, err := u.discord.newSession()
		if err != nil {
			return nil, err
		}
		u.discord.session = session
	}
	return u.discord.registerCommands(u.config.Gemini.MaxPromptLength, options...)
}

// Run connects to discord, registers commands and starts the health
// server, then blocks until ctx is canceled. In-flight interactions are
// given up to the configured shutdown timeout to finish.
func (u *UnityHelper) Run(ctx context.Context) error {
	u.runMu.Lock()
	defer u.runMu.Unlock()

	logger := u.logger
	if err := u.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", u.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}
	g, gctx := errgroup.WithContext(ctx)

	if u.health != nil {
		g.Go(
			func() error {
				return u.health.Serve(gctx)
			},
		)
	}
	g.Go(
		func() error {
			u.pruneThrottle(gctx)
			return nil
		},
	)

	startCtx, startCancel := context.WithTimeout(gctx, u.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- u.initRun(gctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		logger.ErrorContext(ctx, "startup cancelled or timed out")
		cancel()
		return errors.Join(ErrStartupTimeout, u.shutdown(ctx, runtimeWG), g.Wait())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			cancel()
			return errors.Join(err, u.shutdown(ctx, runtimeWG), g.Wait())
		}
		logger.InfoContext(ctx, "init complete")
	}

	select {
	case u.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context, generally an
	// interrupt, or the health server failing
	<-gctx.Done()

	shutdownErr := u.shutdown(ctx, runtimeWG)
	cancel()
	return errors.Join(shutdownErr, g.Wait())
}

// initRun opens the discord gateway connection and registers commands
func (u *UnityHelper) initRun(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if err := u.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	u.logger.InfoContext(ctx, "connecting to discord")
	if err := u.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := u.discord.registerCommands(u.config.Gemini.MaxPromptLength); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// initDiscordSession creates the discord session if needed, and adds
// handlers for gateway events. Each interaction is handled in its own
// goroutine, tracked by runtimeWG.
func (u *UnityHelper) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if u.discord.session == nil {
		session, err := u.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		u.discord.session = session
	}

	u.discord.session.SetIdentify(u.discord.identify())

	u.discord.setHandlers(
		u.discord.handlerConnect(),
		u.discord.handlerDisconnect(),
		u.discord.handlerReady(),
		u.discord.handlerGuildCreate(),
		u.discord.handlerGuildDelete(),
		func(
			_ *discordgo.Session,
			i *discordgo.InteractionCreate,
		) {
			u.dispatchInteraction(ctx, runtimeWG, i)
		},
	)

	if u.getInteractionHandlerFunc == nil {
		u.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     u.discord.session,
				interaction: i,
				logger: u.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

func (u *UnityHelper) dispatchInteraction(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	i *discordgo.InteractionCreate,
) {
	handler := u.getInteractionHandlerFunc(ctx, i)
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				u.handleRecover(WithLogger(ctx, handler.Logger()), rc)
			}
		}()
		u.handleInteraction(ctx, handler)
	}()
}

// pruneThrottle periodically drops throttle state for users whose
// window has expired
func (u *UnityHelper) pruneThrottle(ctx context.Context) {
	ticker := time.NewTicker(DefaultThrottlePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := u.throttleStore.Prune(
				u.throttle.Clock(),
				u.throttle.Config().Window,
			)
			if removed > 0 {
				u.logger.DebugContext(ctx, "pruned throttle state", "removed", removed)
			}
		}
	}
}

// shutdown stops receiving interactions, then waits for in-flight
// interactions to finish, up to the configured shutdown timeout.
func (u *UnityHelper) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	u.logger.WarnContext(ctx, "shutting down")
	defer u.gemini.Stop()

	shutdownStart := time.Now()

	u.discord.removeHandlers()
	if u.discord.session != nil {
		if err := u.discord.session.Close(); err != nil {
			u.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	shutdownTimeout := u.config.ShutdownTimeout
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)
	u.logger.InfoContext(
		ctx,
		"waiting on in-flight interactions",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	deadline := time.NewTimer(shutdownTimeout)
	defer deadline.Stop()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case <-done:
			shutdownEnded := time.Now()
			u.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			u.logger.WarnContext(
				ctx,
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-deadline.C:
			select {
			case <-done:
				return nil
			default:
			}
			u.logger.WarnContext(ctx, "interactions did not finish in time, forcing close")
			return ErrShutdownTimeout
		}
	}
}

// Uptime is the time since the bot was created
func (u *UnityHelper) Uptime() time.Duration {
	return time.Since(u.startedAt)
}

func (*UnityHelper) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
