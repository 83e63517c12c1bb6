package unityhelper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func newTestUnityHelper(
	t testing.TB,
	modify ...func(cfg *Config),
) (*UnityHelper, *mockCompletionClient, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Gemini.MaxRequestsPerSecond = 1000
	for _, f := range modify {
		f(cfg)
	}

	u, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(u.gemini.Stop)

	client := newMockCompletionClient(t)
	u.gemini.client = client

	session := newMockDiscordSession(t)
	u.discord.session = session
	return u, client, session
}

func TestCommandPing(t *testing.T) {
	u, client, session := newTestUnityHelper(t)
	session.latency = 42 * time.Millisecond

	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandPing, "")
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		responses[0].Type,
	)
	assert.Equal(t, "Pong! 42ms", responses[0].Data.Content)
	assert.Empty(t, client.Requests())
	assert.Equal(t, int64(1), u.metricInteractions.Load())
}

func TestCommandAsk(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	question := "How do I make a character jump?"
	client.responses[askPrompt(question).User] = "Use Rigidbody.AddForce with ForceMode.Impulse."

	discordUser := newDiscordUser(t)
	i := newDiscordInteraction(t, discordUser, "", DiscordSlashCommandAsk, question)
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		responses[0].Type,
	)

	edits := drain(handler.callEdit)
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Content)
	assert.Equal(t, "Use Rigidbody.AddForce with ForceMode.Impulse.", *edits[0].Content)
	assert.Empty(t, drain(handler.callFollowup))

	requests := client.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, unitySystemContext, requests[0].Messages[0].Content)

	state, ok := u.throttleStore.Get(discordUser.ID)
	require.True(t, ok)
	assert.Equal(t, 1, state.RequestCount)
}

func TestCommandAI_PromptPerCommand(t *testing.T) {
	tests := []struct {
		command  string
		input    string
		expected string
	}{
		{
			command:  DiscordSlashCommandScript,
			input:    "rotate an object",
			expected: scriptPrompt("rotate an object").User,
		},
		{
			command:  DiscordSlashCommandReview,
			input:    "void Update() {}",
			expected: reviewPrompt("void Update() {}").User,
		},
		{
			command:  DiscordSlashCommandOptimize,
			input:    "physics",
			expected: optimizePrompt("physics", PlatformPC).User,
		},
		{
			command:  DiscordSlashCommandDebug,
			input:    "my custom error that nobody has seen",
			expected: debugPrompt("my custom error that nobody has seen", "").User,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.command, func(t *testing.T) {
				u, client, _ := newTestUnityHelper(t)
				i := newDiscordInteraction(t, newDiscordUser(t), "", tc.command, tc.input)
				handler := newStubInteractionHandler(t, i)
				u.handleInteraction(context.Background(), handler)

				requests := client.Requests()
				require.Len(t, requests, 1)
				userMsg := requests[0].Messages[len(requests[0].Messages)-1]
				assert.Equal(t, tc.expected, userMsg.Content)

				edits := drain(handler.callEdit)
				require.Len(t, edits, 1)
				assert.Equal(t, "response to: "+tc.expected, *edits[0].Content)
			},
		)
	}
}

func TestCommandAI_ChunkedResponse(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	question := "Explain everything about shaders"

	var sb strings.Builder
	sb.WriteString("Here's an example:\n```csharp\n")
	for n := 0; n < 150; n++ {
		sb.WriteString(fmt.Sprintf("    material.SetFloat(\"_Value%d\", %d);\n", n, n))
	}
	sb.WriteString("```\nThat's it.")
	response := sb.String()
	client.responses[askPrompt(question).User] = response

	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandAsk, question)
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	edits := drain(handler.callEdit)
	followups := drain(handler.callFollowup)
	require.Len(t, edits, 1)
	require.NotEmpty(t, followups)

	messages := []string{*edits[0].Content}
	for _, f := range followups {
		messages = append(messages, f.Content)
	}

	expected := Split(response, u.config.Discord.MaxMessageLength)
	require.Len(t, messages, len(expected))
	for idx, msg := range messages {
		assert.Equal(t, expected[idx].String(), msg)
		assert.LessOrEqual(t, runeLen(msg), u.config.Discord.MaxMessageLength)
		assert.Equalf(t, 0, countFenceLines(msg)%2, "unbalanced message %d", idx)
	}
	assert.Equal(t, response, joinBodies(expected))
}

func TestCommandAI_FollowupError(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	question := "long answer please"
	client.responses[askPrompt(question).User] = strings.Repeat("line of text\n", 400)

	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandAsk, question)
	handler := newStubInteractionHandler(t, i)
	handler.followupErr = errors.New("unknown webhook")
	u.handleInteraction(context.Background(), handler)

	// stops after the first failed followup
	assert.Len(t, drain(handler.callEdit), 1)
	assert.Len(t, drain(handler.callFollowup), 1)
}

func TestCommandDebug_KnownIssue(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	discordUser := newDiscordUser(t)
	i := newDiscordInteraction(
		t,
		discordUser,
		"",
		DiscordSlashCommandDebug,
		"NullReferenceException: Object reference not set to an instance of an object",
	)
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		responses[0].Type,
	)
	require.Len(t, responses[0].Data.Embeds, 1)
	assert.Equal(t, "NullReferenceException", responses[0].Data.Embeds[0].Title)

	assert.Empty(t, client.Requests())
	assert.Empty(t, drain(handler.callEdit))
	assert.Equal(t, int64(1), u.metricKnownIssueHits.Load())

	// known issues aren't counted against the user
	_, ok := u.throttleStore.Get(discordUser.ID)
	assert.False(t, ok)
}

func TestCommandAI_Oversize(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	maxLength := u.config.Gemini.MaxPromptLength
	input := strings.Repeat("é", maxLength+1)

	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandReview, input)
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
	assert.Equal(t, oversizeMessage(maxLength+1, maxLength), responses[0].Data.Content)
	assert.Empty(t, client.Requests())

	// exactly at the limit is accepted
	i = newDiscordInteraction(
		t,
		newDiscordUser(t),
		"",
		DiscordSlashCommandReview,
		strings.Repeat("é", maxLength-len([]rune(reviewPrompt("").User))),
	)
	handler = newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)
	assert.Len(t, client.Requests(), 1)
}

func TestCommandAI_Throttled(t *testing.T) {
	u, client, _ := newTestUnityHelper(
		t, func(cfg *Config) {
			cfg.Throttle.MaxRequests = 2
			cfg.Throttle.Window = time.Minute
		},
	)
	discordUser := newDiscordUser(t)

	for n := 0; n < 2; n++ {
		i := newDiscordInteraction(t, discordUser, "", DiscordSlashCommandAsk, "question")
		handler := newStubInteractionHandler(t, i)
		u.handleInteraction(context.Background(), handler)
		require.Len(t, drain(handler.callEdit), 1)
	}

	i := newDiscordInteraction(t, discordUser, "", DiscordSlashCommandAsk, "question")
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
	assert.Contains(t, responses[0].Data.Content, "You're sending requests too quickly")
	assert.Empty(t, drain(handler.callEdit))
	assert.Len(t, client.Requests(), 2)
	assert.Equal(t, int64(1), u.metricThrottled.Load())

	// other users aren't affected
	other := &discordgo.User{ID: "other", Username: "other"}
	i = newDiscordInteraction(t, other, "", DiscordSlashCommandAsk, "question")
	handler = newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)
	assert.Len(t, drain(handler.callEdit), 1)
}

func TestCommandAI_UpstreamError(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		expected string
	}{
		{
			name:     "failure",
			errs:     []error{errors.New("invalid api key")},
			expected: msgUpstreamFailure,
		},
		{
			name:     "timeout",
			errs:     []error{context.DeadlineExceeded, context.DeadlineExceeded},
			expected: msgUpstreamTimeout,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				u, client, _ := newTestUnityHelper(t)
				client.errs = tc.errs

				i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandAsk, "q")
				handler := newStubInteractionHandler(t, i)
				u.handleInteraction(context.Background(), handler)

				require.Len(t, drain(handler.callRespond), 1)
				edits := drain(handler.callEdit)
				require.Len(t, edits, 1)
				assert.Equal(t, tc.expected, *edits[0].Content)
				assert.Empty(t, drain(handler.callFollowup))
			},
		)
	}
}

func TestCommandAI_AckFailure(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandAsk, "q")
	handler := newStubInteractionHandler(t, i)
	handler.respondErr = errors.New("unknown interaction")
	u.handleInteraction(context.Background(), handler)

	assert.Empty(t, client.Requests())
	assert.Empty(t, drain(handler.callEdit))
}

func TestCommandAI_InvalidOptions(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandOptimize, "physics")
	data := i.Data.(discordgo.ApplicationCommandInteractionData)
	data.Options = data.Options[:1]
	i.Data = data

	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(t, msgGenericError, responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
	assert.Empty(t, client.Requests())
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	u, client, _ := newTestUnityHelper(t)
	botUser := newDiscordUser(t)
	botUser.Bot = true

	i := newDiscordInteraction(t, botUser, "", DiscordSlashCommandAsk, "q")
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	assert.Empty(t, drain(handler.callRespond))
	assert.Empty(t, client.Requests())
	assert.Equal(t, int64(1), u.metricInteractions.Load())
}

func TestHandleInteraction_NoUser(t *testing.T) {
	u, _, _ := newTestUnityHelper(t)
	i := newDiscordInteraction(t, nil, "", DiscordSlashCommandAsk, "q")
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	assert.Empty(t, drain(handler.callRespond))
	assert.Equal(t, int64(0), u.metricInteractions.Load())
}

func TestHandleInteraction_Ping(t *testing.T) {
	u, _, _ := newTestUnityHelper(t)
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionPing,
			ID:   t.Name(),
			User: newDiscordUser(t),
		},
	}
	handler := newStubInteractionHandler(t, i)
	u.handleInteraction(context.Background(), handler)

	responses := drain(handler.callRespond)
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponsePong, responses[0].Type)
}

func TestParseAICommand(t *testing.T) {
	option := func(name string, value any) *discordgo.ApplicationCommandInteractionDataOption {
		return &discordgo.ApplicationCommandInteractionDataOption{
			Name:  name,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: value,
		}
	}
	interaction := func(
		command string,
		opts ...*discordgo.ApplicationCommandInteractionDataOption,
	) *discordgo.InteractionCreate {
		return &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				Type: discordgo.InteractionApplicationCommand,
				Data: discordgo.ApplicationCommandInteractionData{
					Name:    command,
					Options: opts,
				},
			},
		}
	}

	tests := []struct {
		name        string
		interaction *discordgo.InteractionCreate
		input       string
		platform    Platform
		expectErr   bool
	}{
		{
			name:        "ask",
			interaction: interaction(DiscordSlashCommandAsk, option(commandOptionQuestion, "why?")),
			input:       "why?",
		},
		{
			name:        "script",
			interaction: interaction(DiscordSlashCommandScript, option(commandOptionDescription, "a door")),
			input:       "a door",
		},
		{
			name:        "debug without platform",
			interaction: interaction(DiscordSlashCommandDebug, option(commandOptionError, "CS0103")),
			input:       "CS0103",
		},
		{
			name: "debug with platform",
			interaction: interaction(
				DiscordSlashCommandDebug,
				option(commandOptionError, "CS0103"),
				option(commandOptionPlatform, "vr"),
			),
			input:    "CS0103",
			platform: PlatformVR,
		},
		{
			name: "debug invalid platform",
			interaction: interaction(
				DiscordSlashCommandDebug,
				option(commandOptionError, "CS0103"),
				option(commandOptionPlatform, "gameboy"),
			),
			expectErr: true,
		},
		{
			name: "optimize",
			interaction: interaction(
				DiscordSlashCommandOptimize,
				option(commandOptionTopic, "lighting"),
				option(commandOptionPlatform, "mobile"),
			),
			input:    "lighting",
			platform: PlatformMobile,
		},
		{
			name:        "optimize missing platform",
			interaction: interaction(DiscordSlashCommandOptimize, option(commandOptionTopic, "lighting")),
			expectErr:   true,
		},
		{
			name:        "review blank",
			interaction: interaction(DiscordSlashCommandReview, option(commandOptionCode, "   ")),
			expectErr:   true,
		},
		{
			name:        "wrong option type",
			interaction: interaction(DiscordSlashCommandAsk, option(commandOptionQuestion, 42.0)),
			expectErr:   true,
		},
		{
			name:        "unknown command",
			interaction: interaction("chat", option(commandOptionQuestion, "hi")),
			expectErr:   true,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cmd, err := parseAICommand(tc.interaction)
				if tc.expectErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.input, cmd.input)
				assert.Equal(t, tc.platform, cmd.platform)
				assert.NotEmpty(t, cmd.prompt.System)
				assert.Contains(t, cmd.prompt.User, tc.input)
			},
		)
	}

	_, err := parseAICommand(interaction(DiscordSlashCommandAsk))
	assert.ErrorIs(t, err, errMissingInput)
}

func TestUserMessages(t *testing.T) {
	assert.Equal(t, msgUpstreamTimeout, userMessage(classifyUpstreamError(context.DeadlineExceeded)))
	assert.Equal(t, msgUpstreamFailure, userMessage(classifyUpstreamError(errors.New("boom"))))
	assert.Equal(t, msgGenericError, userMessage(errors.New("boom")))

	assert.Equal(
		t,
		"You're sending requests too quickly. Please try again in 49 seconds.",
		throttledMessage(Reject(49*time.Second)),
	)
	assert.Equal(
		t,
		"You're sending requests too quickly. Please try again in 1 second.",
		throttledMessage(Reject(100*time.Millisecond)),
	)
}
