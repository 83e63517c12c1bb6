package unityhelper

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	xRequestIDHeader = "X-Request-ID"

	healthPathRoot   = "/"
	healthPathHealth = "/health"
	healthPathStats  = "/stats"
	healthPathPing   = "/ping"
	pprofPrefix      = "/debug"

	healthServiceName = "Unity AI Discord Bot"
	healthStatusUp    = "healthy"
	healthStatusDown  = "unhealthy"

	// healthServerCloseTimeout limits how long in-progress health requests
	// get to finish once the server is stopping
	healthServerCloseTimeout = 5 * time.Second
)

type httpError struct {
	Error string `json:"error"`
}

type homeResponse struct {
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	BotConnected  bool    `json:"bot_connected"`
}

type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	BotConnected  bool      `json:"bot_connected"`
	GuildsCount   int       `json:"guilds_count"`
}

type statsResponse struct {
	BotName        string  `json:"bot_name"`
	BotID          string  `json:"bot_id"`
	Guilds         int     `json:"guilds"`
	Users          int     `json:"users"`
	Commands       int64   `json:"commands"`
	LatencyMS      float64 `json:"latency_ms"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	RequestsServed int64   `json:"requests_served"`
	Interactions   int64   `json:"interactions"`
	GeminiStats
	Throttled      int64          `json:"throttled"`
	KnownIssueHits int64          `json:"known_issue_hits"`
	RouteRequests  map[string]int `json:"route_requests"`
}

type pingResponse struct {
	Pong      bool      `json:"pong"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMS float64   `json:"latency_ms"`
}

// HealthServer reports the bot's status over HTTP, for hosting platforms
// that poll a port to decide whether the process is alive.
type HealthServer struct {
	u          *UnityHelper
	config     *HealthConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	listener   net.Listener
	listenerMu sync.Mutex
	listening  chan struct{}

	// method+path -> count
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	metricRequestsServed atomic.Int64
}

func newHealthServer(u *UnityHelper, config *HealthConfig) *HealthServer {
	development := u.config.Development()
	if development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	h := &HealthServer{
		u:              u,
		config:         config,
		engine:         r,
		logger:         newComponentLogger("health", config.LogLevel),
		listening:      make(chan struct{}),
		requestMetrics: map[string]int{},
	}
	h.httpServer = &http.Server{
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(h.logger),
		metricMiddleware(h),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(healthPathRoot, h.home)
	r.GET(healthPathHealth, h.healthCheck)
	r.GET(healthPathStats, h.stats)
	r.GET(healthPathPing, h.ping)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}
	return h
}

// Serve listens on the configured address until ctx is canceled.
func (h *HealthServer) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, defaultListenNetwork, h.config.Listen())
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", h.config.Listen(), err)
	}
	h.listenerMu.Lock()
	h.listener = ln
	h.listenerMu.Unlock()
	close(h.listening)

	h.logger.InfoContext(
		ctx,
		"health server started",
		"addr", ln.Addr().String(),
		"health_check", healthPathHealth,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.httpServer.Serve(ln)
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		h.logger.InfoContext(ctx, "stopping health server")
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			healthServerCloseTimeout,
		)
		defer cancel()
		if err = h.httpServer.Shutdown(shutdownCtx); err != nil {
			_ = h.httpServer.Close()
		}
		<-serveErr
		return err
	}
}

// Addr blocks until the server is listening, then returns its address
func (h *HealthServer) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.listening:
		h.listenerMu.Lock()
		defer h.listenerMu.Unlock()
		return h.listener.Addr(), nil
	}
}

func (h *HealthServer) RequestMetrics() map[string]int {
	h.requestMetricsMu.Lock()
	defer h.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(h.requestMetrics))
	for k, v := range h.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

func (h *HealthServer) home(c *gin.Context) {
	c.JSON(
		http.StatusOK, homeResponse{
			Name:          healthServiceName,
			Status:        "running",
			UptimeSeconds: h.u.Uptime().Seconds(),
			BotConnected:  h.u.discord.Connected(),
		},
	)
}

func (h *HealthServer) healthCheck(c *gin.Context) {
	h.metricRequestsServed.Add(1)

	connected := h.u.discord.Connected()
	resp := healthResponse{
		Status:        healthStatusUp,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: h.u.Uptime().Seconds(),
		BotConnected:  connected,
		GuildsCount:   h.u.discord.GuildCount(),
	}
	if !connected {
		resp.Status = healthStatusDown
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HealthServer) stats(c *gin.Context) {
	botUser := h.u.discord.BotUser()
	if botUser == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "Bot not ready"})
		return
	}
	c.JSON(
		http.StatusOK, statsResponse{
			BotName:        botUser.String(),
			BotID:          botUser.ID,
			Guilds:         h.u.discord.GuildCount(),
			Users:          h.u.discord.UserCount(),
			Commands:       h.u.discord.commandCount.Load(),
			LatencyMS:      latencyMilliseconds(h.u.discord.Latency()),
			UptimeSeconds:  h.u.Uptime().Seconds(),
			RequestsServed: h.metricRequestsServed.Load(),
			Interactions:   h.u.metricInteractions.Load(),
			GeminiStats:    h.u.gemini.Stats(),
			Throttled:      h.u.metricThrottled.Load(),
			KnownIssueHits: h.u.metricKnownIssueHits.Load(),
			RouteRequests:  h.RequestMetrics(),
		},
	)
}

func (h *HealthServer) ping(c *gin.Context) {
	c.JSON(
		http.StatusOK, pingResponse{
			Pong:      true,
			Timestamp: time.Now().UTC(),
			LatencyMS: latencyMilliseconds(h.u.discord.Latency()),
		},
	)
}

// latencyMilliseconds rounds d to two decimal places, in milliseconds
func latencyMilliseconds(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}

// requestIDMiddleware assigns a unique ID to each request, returned in the
// X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Debug(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests for each unique combination of
// method and path.
func metricMiddleware(h *HealthServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		h.requestMetricsMu.Lock()
		defer h.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		h.requestMetrics[key]++
	}
}
