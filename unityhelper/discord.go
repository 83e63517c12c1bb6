package unityhelper

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DiscordSlashCommandAsk      = "ask"
	DiscordSlashCommandScript   = "script"
	DiscordSlashCommandDebug    = "debug"
	DiscordSlashCommandReview   = "review"
	DiscordSlashCommandOptimize = "optimize"
	DiscordSlashCommandPing     = "ping"

	commandOptionQuestion    = "question"
	commandOptionDescription = "description"
	commandOptionError       = "error"
	commandOptionCode        = "code"
	commandOptionTopic       = "topic"
	commandOptionPlatform    = "platform"

	// discordMaxMessageLength is the most characters discord allows in
	// a single message
	discordMaxMessageLength = 2000

	// discordMaxOptionLength is the longest value discord accepts for a
	// string command option
	discordMaxOptionLength = 6000

	discordEmbedFieldMaxLength       = 1024
	discordEmbedDescriptionMaxLength = 4096
	knownIssueEmbedColor             = 0x2f80ed
)

// Discord manages the gateway session, command registration and the
// bot's view of the guilds it's in.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	ready             atomic.Bool
	botUser           atomic.Pointer[discordgo.User]
	commandCount      atomic.Int64

	// guild ID -> member count
	guilds   map[string]int
	guildsMu sync.RWMutex

	discordgoRemoveHandlerFuncs []func()
	handlersMu                  sync.Mutex
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		logger:                      newComponentLogger("discord", config.LogLevel),
		guilds:                      map[string]int{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session for the configured bot token.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// identify is sent during the gateway handshake, setting the bot's
// intents and its "Playing ..." status
func (d *Discord) identify() discordgo.Identify {
	identify := discordgo.Identify{Intents: d.config.GatewayIntents}
	if d.config.Status != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
			Game: discordgo.Activity{
				Name: d.config.Status,
				Type: discordgo.ActivityTypeGame,
			},
		}
	}
	return identify
}

// appCommands returns every slash command the bot handles. maxInputLength
// limits the length of free-text options.
func (*Discord) appCommands(maxInputLength int) []*discordgo.ApplicationCommand {
	minLength := 1
	maxLength := min(maxInputLength, discordMaxOptionLength)

	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}

	textOption := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: description,
			Required:    true,
			MinLength:   &minLength,
			MaxLength:   maxLength,
		}
	}
	platformOption := func(required bool) *discordgo.ApplicationCommandOption {
		choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(Platforms))
		for _, p := range Platforms {
			choices = append(
				choices,
				&discordgo.ApplicationCommandOptionChoice{
					Name:  p.DisplayName(),
					Value: p.String(),
				},
			)
		}
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        commandOptionPlatform,
			Description: "Target platform",
			Required:    required,
			Choices:     choices,
		}
	}

	commands := []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandAsk,
			Description: "Ask Unity development questions",
			Options: []*discordgo.ApplicationCommandOption{
				textOption(commandOptionQuestion, "Your Unity question"),
			},
		},
		{
			Name:        DiscordSlashCommandScript,
			Description: "Generate a Unity C# script",
			Options: []*discordgo.ApplicationCommandOption{
				textOption(commandOptionDescription, "What the script should do"),
			},
		},
		{
			Name:        DiscordSlashCommandDebug,
			Description: "Explain a Unity error message",
			Options: []*discordgo.ApplicationCommandOption{
				textOption(commandOptionError, "The error message from the Unity console"),
				platformOption(false),
			},
		},
		{
			Name:        DiscordSlashCommandReview,
			Description: "Review Unity C# code",
			Options: []*discordgo.ApplicationCommandOption{
				textOption(commandOptionCode, "The code to review"),
			},
		},
		{
			Name:        DiscordSlashCommandOptimize,
			Description: "Get optimization tips for a platform",
			Options: []*discordgo.ApplicationCommandOption{
				textOption(commandOptionTopic, "What to optimize (ex: physics, UI, lighting)"),
				platformOption(true),
			},
		},
		{
			Name:        DiscordSlashCommandPing,
			Description: "Check bot status",
		},
	}
	for _, cmd := range commands {
		cmd.Type = discordgo.ChatApplicationCommand
		cmd.Contexts = &contexts
		cmd.IntegrationTypes = &integrationTypes
	}
	return commands
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	maxInputLength int,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(maxInputLength),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	d.commandCount.Store(int64(len(created)))
	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.onReady(r)
	}
}

func (d *Discord) onReady(r *discordgo.Ready) {
	if r.User != nil {
		d.botUser.Store(r.User)
	}
	d.guildsMu.Lock()
	for _, g := range r.Guilds {
		if _, ok := d.guilds[g.ID]; !ok {
			d.guilds[g.ID] = g.MemberCount
		}
	}
	guildCt := len(d.guilds)
	d.guildsMu.Unlock()

	d.ready.Store(true)

	var userID, username string
	if r.User != nil {
		userID = r.User.ID
		username = r.User.Username
	}
	d.logger.Info(
		"Ready",
		"session_id", r.SessionID,
		slog.Group("user", "id", userID, "username", username),
		"guilds", guildCt,
	)
}

func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(s *discordgo.Session, g *discordgo.GuildCreate) {
		d.onGuildCreate(g)
	}
}

func (d *Discord) onGuildCreate(g *discordgo.GuildCreate) {
	if g.Guild == nil {
		return
	}
	d.guildsMu.Lock()
	d.guilds[g.ID] = g.MemberCount
	d.guildsMu.Unlock()
	d.logger.Debug(
		"guild available",
		"guild_id", g.ID,
		"name", g.Name,
		"member_count", g.MemberCount,
	)
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(s *discordgo.Session, g *discordgo.GuildDelete) {
		d.onGuildDelete(g)
	}
}

func (d *Discord) onGuildDelete(g *discordgo.GuildDelete) {
	if g.Guild == nil {
		return
	}
	// an outage, not a removal
	if g.Unavailable {
		return
	}
	d.guildsMu.Lock()
	delete(d.guilds, g.ID)
	d.guildsMu.Unlock()
	d.logger.Info("removed from guild", "guild_id", g.ID)
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// setHandlers replaces the session's gateway handlers with the given ones
func (d *Discord) setHandlers(handlers ...any) {
	d.removeHandlers()
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	for _, h := range handlers {
		d.discordgoRemoveHandlerFuncs = append(
			d.discordgoRemoveHandlerFuncs,
			d.session.AddHandler(h),
		)
	}
}

// removeHandlers removes every gateway handler added to the session
func (d *Discord) removeHandlers() {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	if len(d.discordgoRemoveHandlerFuncs) == 0 {
		return
	}
	d.logger.Debug(
		"removing discordgo handlers",
		"count", len(d.discordgoRemoveHandlerFuncs),
	)
	for _, h := range d.discordgoRemoveHandlerFuncs {
		h()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

// Connected reports whether the gateway connection is up and Ready has
// been received
func (d *Discord) Connected() bool {
	return d.connected.Load() && d.ready.Load()
}

// BotUser returns the bot's own user, once Ready has been received
func (d *Discord) BotUser() *discordgo.User {
	return d.botUser.Load()
}

func (d *Discord) GuildCount() int {
	d.guildsMu.RLock()
	defer d.guildsMu.RUnlock()
	return len(d.guilds)
}

// UserCount is the sum of member counts across guilds. Users in more
// than one guild are counted more than once.
func (d *Discord) UserCount() int {
	d.guildsMu.RLock()
	defer d.guildsMu.RUnlock()
	total := 0
	for _, ct := range d.guilds {
		total += ct
	}
	return total
}

// Latency returns the gateway heartbeat latency
func (d *Discord) Latency() time.Duration {
	if d.session == nil {
		return 0
	}
	return d.session.HeartbeatLatency()
}

func (d *Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// ephemeralResponse is an immediate reply only visible to the user
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func knownIssueEmbed(issue KnownIssue) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       truncate(issue.Title, 256),
		Description: truncate(issue.Cause, discordEmbedDescriptionMaxLength),
		URL:         issue.Docs,
		Color:       knownIssueEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Solution",
				Value: truncate(issue.Solution, discordEmbedFieldMaxLength),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Known issue: " + issue.ID,
		},
	}
	if issue.Docs != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Docs", Value: issue.Docs},
		)
	}
	return embed
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, so the session can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends an additional message for an
	// interaction that's already been responded to
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// HeartbeatLatency returns the latency of the last gateway heartbeat
	HeartbeatLatency() time.Duration

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "name", c.Name, "id", c.ID)
	}
	return created, nil
}
