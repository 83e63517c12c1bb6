package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/unityhelper/unityhelper"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = unityhelper.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "unityhelper [flags]",
	Short: "Discord bot answering Unity development questions with Gemini",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook())); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

// LevelToStringHookFunc decodes level names ("debug", "INFO", ...) into
// slog.LevelVar fields. mapstructure hands over the dereferenced struct
// when the field already holds a *slog.LevelVar, and the pointer when
// it's nil, so both targets are matched.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		typ := t
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envPrefix() string {
	prefix := os.Getenv(unityhelper.EnvvarSetEnvPrefix)
	if prefix == "" {
		prefix = unityhelper.DefaultEnvPrefix
	}
	return prefix
}

// envAliases are unprefixed variable names accepted alongside the
// prefixed ones, checked in order after them.
var envAliases = map[string][]string{
	"discord.token":          {"DISCORD_BOT_TOKEN", "DISCORD_TOKEN"},
	"discord.application_id": {"DISCORD_APPLICATION_ID"},
	"discord.guild_id":       {"DISCORD_GUILD_ID"},
	"gemini.api_key":         {"GEMINI_API_KEY"},
	"environment":            {"ENVIRONMENT"},
	"log_level":              {"LOG_LEVEL"},
	"health.port":            {"PORT"},
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("environment", unityhelper.DefaultEnvironment)
	viper.SetDefault("log_level", unityhelper.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", unityhelper.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", unityhelper.DefaultShutdownTimeout)
	viper.SetDefault("known_issues_file", "")

	// Throttle
	viper.SetDefault("throttle.window", unityhelper.DefaultThrottleWindow)
	viper.SetDefault("throttle.max_requests", unityhelper.DefaultThrottleMaxRequests)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		unityhelper.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		unityhelper.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(unityhelper.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.status", unityhelper.DefaultDiscordStatus)
	viper.SetDefault(
		"discord.max_message_length",
		unityhelper.DefaultDiscordMessageLength,
	)

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.base_url", unityhelper.DefaultGeminiBaseURL)
	viper.SetDefault("gemini.model", unityhelper.DefaultGeminiModel)
	viper.SetDefault("gemini.temperature", unityhelper.DefaultGeminiTemperature)
	viper.SetDefault(
		"gemini.max_output_tokens",
		unityhelper.DefaultGeminiMaxOutputTokens,
	)
	viper.SetDefault(
		"gemini.request_timeout",
		unityhelper.DefaultGeminiRequestTimeout,
	)
	viper.SetDefault("gemini.max_retries", unityhelper.DefaultGeminiMaxRetries)
	viper.SetDefault("gemini.retry_backoff", unityhelper.DefaultGeminiRetryBackoff)
	viper.SetDefault(
		"gemini.max_requests_per_second",
		unityhelper.DefaultGeminiMaxRequestsPerSecond,
	)
	viper.SetDefault("gemini.pool_size", unityhelper.DefaultGeminiPoolSize)
	viper.SetDefault(
		"gemini.max_prompt_length",
		unityhelper.DefaultGeminiMaxPromptLength,
	)
	viper.SetDefault("gemini.log_level", unityhelper.DefaultGeminiLogLevel.String())

	// Health server
	viper.SetDefault("health.enabled", false)
	viper.SetDefault("health.host", unityhelper.DefaultHealthHost)
	viper.SetDefault("health.port", unityhelper.DefaultHealthPort)
	viper.SetDefault("health.log_level", unityhelper.DefaultHealthLogLevel.String())
	viper.SetDefault("health.read_timeout", unityhelper.DefaultReadTimeout)
	viper.SetDefault(
		"health.read_header_timeout",
		unityhelper.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("health.write_timeout", unityhelper.DefaultWriteTimeout)
	viper.SetDefault("health.idle_timeout", unityhelper.DefaultIdleTimeout)

	// Health server: CORS
	viper.SetDefault(
		"health.cors.allow_headers",
		unityhelper.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"health.cors.allow_methods",
		unityhelper.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"health.cors.expose_headers",
		unityhelper.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("health.cors.allow_origins", []string{})
	viper.SetDefault("health.cors.max_age", unityhelper.DefaultCORSMaxAge)
	viper.SetDefault(
		"health.cors.allow_credentials",
		unityhelper.DefaultAPICORSAllowCredentials,
	)

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for key, aliases := range envAliases {
		names := append(
			[]string{fmt.Sprintf("%s_%s", prefix, strings.ToUpper(replacer.Replace(key)))},
			aliases...,
		)
		if err := viper.BindEnv(append([]string{key}, names...)...); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// Convert values to correct types
	for _, key := range []string{
		"health.cors.allow_headers",
		"health.cors.allow_origins",
		"health.cors.allow_methods",
		"health.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load before reading the environment",
	)
}
