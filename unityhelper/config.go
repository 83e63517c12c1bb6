//nolint:lll // struct tags can't be split
package unityhelper

import (
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	EnvvarSetEnvPrefix = "UNITYHELPER_ENV_PREFIX"
	DefaultEnvPrefix   = "UH"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	DefaultEnvironment     = EnvironmentDevelopment

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds
	DefaultDiscordStatus         = "Unity development"
	DefaultDiscordMessageLength  = 1900
	DefaultThrottlePruneInterval = 10 * time.Minute

	DefaultGeminiBaseURL              = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultGeminiModel                = "gemini-1.5-flash"
	DefaultGeminiTemperature          = 0.7
	DefaultGeminiMaxOutputTokens      = 2048
	DefaultGeminiRequestTimeout       = 30 * time.Second
	DefaultGeminiMaxRetries           = 1
	DefaultGeminiRetryBackoff         = 2 * time.Second
	DefaultGeminiMaxRequestsPerSecond = 2.0
	DefaultGeminiPoolSize             = 4
	DefaultGeminiMaxPromptLength      = 6000
	DefaultGeminiLogLevel             = slog.LevelInfo

	DefaultHealthHost              = "0.0.0.0"
	DefaultHealthPort              = 8080
	DefaultHealthLogLevel          = slog.LevelInfo
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultCORSMaxAge              = 12 * time.Hour
	DefaultHealthCORSAllowOrigin   = "*"
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = false
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	// Environment is either 'development' or 'production'. In production,
	// the health server is always started. In development, pprof endpoints
	// are added to the health server.
	Environment string `yaml:"environment" mapstructure:"environment" json:"environment" validate:"oneof=development production"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect to discord and
	// register commands before Run gives up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" validate:"gt=0"`

	// ShutdownTimeout is the time to allow for in-flight interactions to
	// finish. After this elapses, remaining connections are closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`

	// KnownIssuesFile optionally replaces the built-in known issue table
	// with a YAML file in the same format.
	KnownIssuesFile string `yaml:"known_issues_file" mapstructure:"known_issues_file" json:"known_issues_file" validate:"omitempty,file"`

	Discord  *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" validate:"required"`
	Gemini   *GeminiConfig  `yaml:"gemini" mapstructure:"gemini" json:"gemini" validate:"required"`
	Health   *HealthConfig  `yaml:"health" mapstructure:"health" json:"health" validate:"required"`
	Throttle ThrottleConfig `yaml:"throttle" mapstructure:"throttle" json:"throttle"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// setDefaultLogLevels fills in any log level left unset, so component
// loggers can be created from a partially populated Config.
func (c *Config) setDefaultLogLevels() {
	levelOrDefault := func(lv **slog.LevelVar, level slog.Level) {
		if *lv == nil {
			*lv = &slog.LevelVar{}
			(*lv).Set(level)
		}
	}
	levelOrDefault(&c.LogLevel, DefaultLogLevel)
	if c.Discord != nil {
		levelOrDefault(&c.Discord.LogLevel, DefaultDiscordLogLevel)
		levelOrDefault(&c.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel)
	}
	if c.Gemini != nil {
		levelOrDefault(&c.Gemini.LogLevel, DefaultGeminiLogLevel)
	}
	if c.Health != nil {
		levelOrDefault(&c.Health.LogLevel, DefaultHealthLogLevel)
	}
}

// Validate checks field constraints and that responses can be split
// at the configured message length.
func (c *Config) Validate() error {
	var errs []error
	if err := structValidator.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.Discord != nil {
		if err := ValidateMaxLength(c.Discord.MaxMessageLength); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthServerEnabled reports whether the health server should run.
func (c *Config) HealthServerEnabled() bool {
	return c.Health.Enabled || c.Environment == EnvironmentProduction
}

func (c *Config) Development() bool {
	return c.Environment == EnvironmentDevelopment
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" validate:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Slash commands only need guilds.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Status is the game shown as the bot's activity ("Playing ...")
	Status string `yaml:"status" mapstructure:"status" json:"status"`

	// MaxMessageLength is the longest message the bot will send. Longer
	// responses are split into multiple messages.
	MaxMessageLength int `yaml:"max_message_length" mapstructure:"max_message_length" json:"max_message_length" validate:"max=2000"`

	httpClient *http.Client
}

// GeminiConfig configures access to the Gemini API, via its
// OpenAI-compatible endpoint.
type GeminiConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" validate:"required"`

	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" validate:"required,url"`

	Model string `yaml:"model" mapstructure:"model" json:"model" validate:"required"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// MaxOutputTokens limits the length of generated responses. 0=model default
	MaxOutputTokens int `yaml:"max_output_tokens" mapstructure:"max_output_tokens" json:"max_output_tokens" validate:"gte=0"`

	// RequestTimeout applies to each attempt
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" validate:"gt=0"`

	// MaxRetries is the number of times a failed request may be retried
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries" validate:"gte=0,lte=3"`

	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff" json:"retry_backoff" validate:"gte=0"`

	// MaxRequestsPerSecond limits requests across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" validate:"gt=0"`

	// PoolSize is the number of requests that may be in flight at once
	PoolSize int `yaml:"pool_size" mapstructure:"pool_size" json:"pool_size" validate:"gt=0"`

	// MaxPromptLength is the longest user input accepted, in characters
	MaxPromptLength int `yaml:"max_prompt_length" mapstructure:"max_prompt_length" json:"max_prompt_length" validate:"gt=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// GenerateTimeout is the longest a single Generate call may take: every
// attempt at RequestTimeout plus the backoff between them.
func (g *GeminiConfig) GenerateTimeout() time.Duration {
	retries := time.Duration(g.MaxRetries)
	return g.RequestTimeout*(retries+1) + g.RetryBackoff*retries
}

// HealthConfig configures the health check HTTP server
type HealthConfig struct {
	// Enabled starts the server outside of production
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	Host string `yaml:"host" mapstructure:"host" json:"host"`

	Port int `yaml:"port" mapstructure:"port" json:"port" validate:"gte=0,lte=65535"`

	// The logging level for the health server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" validate:"gt=0"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" validate:"gt=0"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" validate:"gt=0"`
}

func (h HealthConfig) Listen() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{DefaultHealthCORSAllowOrigin}
	}
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	geminiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	healthLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	geminiLogLevel.Set(DefaultGeminiLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	healthLogLevel.Set(DefaultHealthLogLevel)

	return &Config{
		Environment:     DefaultEnvironment,
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Throttle: ThrottleConfig{
			Window:      DefaultThrottleWindow,
			MaxRequests: DefaultThrottleMaxRequests,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			Status:            DefaultDiscordStatus,
			MaxMessageLength:  DefaultDiscordMessageLength,
		},
		Gemini: &GeminiConfig{
			BaseURL:              DefaultGeminiBaseURL,
			Model:                DefaultGeminiModel,
			Temperature:          DefaultGeminiTemperature,
			MaxOutputTokens:      DefaultGeminiMaxOutputTokens,
			RequestTimeout:       DefaultGeminiRequestTimeout,
			MaxRetries:           DefaultGeminiMaxRetries,
			RetryBackoff:         DefaultGeminiRetryBackoff,
			MaxRequestsPerSecond: DefaultGeminiMaxRequestsPerSecond,
			PoolSize:             DefaultGeminiPoolSize,
			MaxPromptLength:      DefaultGeminiMaxPromptLength,
			LogLevel:             geminiLogLevel,
		},
		Health: &HealthConfig{
			Host:              DefaultHealthHost,
			Port:              DefaultHealthPort,
			LogLevel:          healthLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
