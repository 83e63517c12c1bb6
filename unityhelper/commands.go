package unityhelper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

var errMissingInput = errors.New("missing command input")

// aiCommand is a slash command answered by the model
type aiCommand struct {
	name     string
	input    string
	platform Platform
	prompt   Prompt
}

func parseAICommand(i *discordgo.InteractionCreate) (aiCommand, error) {
	data := i.ApplicationCommandData()
	opts := discordInteractionOptions(i)
	stringOption := func(name string) string {
		if o, ok := opts[name]; ok {
			if s, isStr := o.Value.(string); isStr {
				return s
			}
		}
		return ""
	}

	cmd := aiCommand{name: data.Name}
	switch data.Name {
	case DiscordSlashCommandAsk:
		cmd.input = stringOption(commandOptionQuestion)
		cmd.prompt = askPrompt(cmd.input)
	case DiscordSlashCommandScript:
		cmd.input = stringOption(commandOptionDescription)
		cmd.prompt = scriptPrompt(cmd.input)
	case DiscordSlashCommandDebug:
		cmd.input = stringOption(commandOptionError)
		if v := stringOption(commandOptionPlatform); v != "" {
			p, err := ParsePlatform(v)
			if err != nil {
				return cmd, err
			}
			cmd.platform = p
		}
		cmd.prompt = debugPrompt(cmd.input, cmd.platform)
	case DiscordSlashCommandReview:
		cmd.input = stringOption(commandOptionCode)
		cmd.prompt = reviewPrompt(cmd.input)
	case DiscordSlashCommandOptimize:
		cmd.input = stringOption(commandOptionTopic)
		p, err := ParsePlatform(stringOption(commandOptionPlatform))
		if err != nil {
			return cmd, err
		}
		cmd.platform = p
		cmd.prompt = optimizePrompt(cmd.input, cmd.platform)
	default:
		return cmd, fmt.Errorf("unknown command: %q", data.Name)
	}

	if strings.TrimSpace(cmd.input) == "" {
		return cmd, fmt.Errorf("%w: /%s", errMissingInput, data.Name)
	}
	return cmd, nil
}

// handleInteraction processes an incoming Discord interaction. Bots are
// ignored. /ping is answered immediately, and every other command is
// answered by the model (or, for /debug, possibly the known issue table).
func (u *UnityHelper) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := interactionUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	ctx = WithLogger(ctx, logger)
	u.metricInteractions.Add(1)

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		logger.InfoContext(ctx, "received command")
		if commandName == DiscordSlashCommandPing {
			u.commandPing(ctx, handler)
			return
		}
		u.commandAI(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (u *UnityHelper) commandPing(ctx context.Context, handler InteractionHandler) {
	latency := u.discord.Latency().Milliseconds()
	_ = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf("Pong! %dms", latency),
			},
		},
	)
}

func (u *UnityHelper) commandAI(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) {
	logger := handler.Logger()

	cmd, err := parseAICommand(handler.GetInteraction())
	if err != nil {
		logger.WarnContext(ctx, "invalid command", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(msgGenericError))
		return
	}

	// known issues don't count against the user's limit
	if cmd.name == DiscordSlashCommandDebug {
		if issue, ok := u.knownIssues.Lookup(cmd.input); ok {
			u.metricKnownIssueHits.Add(1)
			logger.InfoContext(ctx, "matched known issue", "issue_id", issue.ID)
			_ = handler.Respond(
				ctx, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Embeds: []*discordgo.MessageEmbed{knownIssueEmbed(issue)},
					},
				},
			)
			return
		}
	}

	maxLength := u.config.Gemini.MaxPromptLength
	if n := runeLen(cmd.input); n > maxLength {
		logger.InfoContext(ctx, "input too long", "length", n, "max_length", maxLength)
		_ = handler.Respond(ctx, ephemeralResponse(oversizeMessage(n, maxLength)))
		return
	}

	if decision := u.throttle.Allow(discordUser.ID); !decision.Admitted {
		u.metricThrottled.Add(1)
		logger.InfoContext(ctx, "throttled", "retry_after", decision.RetryAfter)
		_ = handler.Respond(ctx, ephemeralResponse(throttledMessage(decision)))
		return
	}

	if ackErr := handler.Respond(ctx, u.discord.ackResponse()); ackErr != nil {
		return
	}

	// commands already acknowledged are allowed to finish during shutdown,
	// bounded by the request timeout
	completion, err := u.gemini.Generate(context.WithoutCancel(ctx), cmd.prompt)
	if err != nil {
		msg := userMessage(err)
		_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &msg})
		return
	}

	if sendErr := u.sendResponse(ctx, handler, completion.Text); sendErr != nil {
		logger.ErrorContext(ctx, "error sending response", tint.Err(sendErr))
	}
}

// sendResponse splits text to fit discord's message limit. The first
// segment replaces the deferred response, and the rest are sent as
// followups, in order.
func (u *UnityHelper) sendResponse(
	ctx context.Context,
	handler InteractionHandler,
	text string,
) error {
	segments := Split(text, u.config.Discord.MaxMessageLength)
	for _, seg := range segments {
		content := seg.String()
		var err error
		if seg.Index == 0 {
			_, err = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		} else {
			_, err = handler.Followup(ctx, &discordgo.WebhookParams{Content: content})
		}
		if err != nil {
			return fmt.Errorf(
				"error sending segment %d of %d: %w",
				seg.Index+1,
				len(segments),
				err,
			)
		}
	}
	return nil
}
