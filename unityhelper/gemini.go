package unityhelper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrUpstreamTimeout = errors.New("AI request timed out")
	ErrUpstreamFailure = errors.New("AI request failed")
	ErrOversizeInput   = errors.New("input too long")
)

// CompletionClient is the part of the OpenAI API client used to reach
// Gemini's OpenAI-compatible endpoint.
type CompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// Prompt is a single request to the model: a system instruction that sets
// the assistant's role for the command, and the user's input.
type Prompt struct {
	System string
	User   string
}

// Completion is the model's reply to a [Prompt].
type Completion struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Attempts         int
	Elapsed          time.Duration
}

func (c Completion) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("model", c.Model),
		slog.String("finish_reason", c.FinishReason),
		slog.Int("total_tokens", c.TotalTokens),
		slog.Int("attempts", c.Attempts),
		slog.Duration("elapsed", c.Elapsed),
		slog.Int("length", runeLen(c.Text)),
	)
}

// GeminiStats are counters for requests made through [Gemini.Generate].
type GeminiStats struct {
	Requests int64 `json:"ai_requests"`
	Failures int64 `json:"ai_failures"`
	Timeouts int64 `json:"ai_timeouts"`
	Active   int   `json:"ai_active"`
}

// Gemini generates responses to prompts. Requests are rate limited
// across all users, and at most PoolSize are in flight at once.
type Gemini struct {
	client         CompletionClient
	config         *GeminiConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	pool           *workerPool

	metricRequests atomic.Int64
	metricFailures atomic.Int64
	metricTimeouts atomic.Int64
}

func newGemini(config *GeminiConfig, httpClient *http.Client) *Gemini {
	g := &Gemini{
		config: config,
		logger: newComponentLogger("gemini", config.LogLevel),
	}
	burst := int(math.Ceil(config.MaxRequestsPerSecond))
	if burst < 1 {
		burst = 1
	}
	g.requestLimiter = rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), burst)
	g.pool = newWorkerPool(config.PoolSize, g.logger.With("component", "pool"))

	clientCfg := openai.DefaultConfig(config.APIKey)
	clientCfg.BaseURL = config.BaseURL
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	g.client = openai.NewClientWithConfig(clientCfg)
	return g
}

// Generate sends the prompt to the model and returns its reply.
//
// The whole call, including waiting on the rate limiter and for a free
// worker, is limited to GenerateTimeout. Callers that can't get a worker
// in time get [ErrUpstreamTimeout].
//
// Input longer than MaxPromptLength is rejected with [ErrOversizeInput]
// before anything is sent. Other errors wrap either [ErrUpstreamTimeout]
// or [ErrUpstreamFailure]. Timeouts, rate limit responses and server
// errors are retried up to MaxRetries times.
func (g *Gemini) Generate(ctx context.Context, prompt Prompt) (Completion, error) {
	if n := runeLen(prompt.User); n > g.config.MaxPromptLength {
		return Completion{}, fmt.Errorf(
			"%w: %d characters (max: %d)",
			ErrOversizeInput,
			n,
			g.config.MaxPromptLength,
		)
	}

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = g.logger
	}

	g.metricRequests.Add(1)
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.config.GenerateTimeout())
	defer cancel()

	if err := g.requestLimiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// the limiter gives up early when the wait would outlast
			// the deadline
			err = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return Completion{}, g.fail(classifyUpstreamError(err))
	}

	results := make(chan generateResult, 1)
	if err := g.pool.Submit(
		ctx, func(ctx context.Context) {
			c, err := g.generate(ctx, log, prompt)
			results <- generateResult{completion: c, err: err}
		},
	); err != nil {
		log.WarnContext(ctx, "request not completed", tint.Err(err))
		return Completion{}, g.fail(classifyUpstreamError(err))
	}
	result := <-results
	if result.err != nil {
		log.ErrorContext(ctx, "generation failed", tint.Err(result.err))
		return Completion{}, g.fail(result.err)
	}
	completion := result.completion
	completion.Elapsed = time.Since(started)
	log.InfoContext(ctx, "generated response", "completion", completion)
	return completion, nil
}

type generateResult struct {
	completion Completion
	err        error
}

func (g *Gemini) generate(
	ctx context.Context,
	log *slog.Logger,
	prompt Prompt,
) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: g.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		Temperature: g.config.Temperature,
		MaxTokens:   g.config.MaxOutputTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Completion{}, classifyUpstreamError(ctx.Err())
			case <-time.After(g.config.RetryBackoff):
			}
		}

		resp, err := g.attempt(ctx, req)
		if err == nil {
			c, cErr := completionFromResponse(resp)
			if cErr != nil {
				return Completion{}, cErr
			}
			c.Attempts = attempt
			return c, nil
		}

		lastErr = err
		if ctx.Err() != nil || !retryableUpstreamError(err) {
			break
		}
		log.WarnContext(
			ctx,
			"request failed, retrying",
			"attempt", attempt,
			"backoff", g.config.RetryBackoff,
			tint.Err(err),
		)
	}
	return Completion{}, classifyUpstreamError(lastErr)
}

// attempt makes a single request, limited to RequestTimeout
func (g *Gemini) attempt(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()
	return g.client.CreateChatCompletion(ctx, req)
}

func (g *Gemini) fail(err error) error {
	g.metricFailures.Add(1)
	if errors.Is(err, ErrUpstreamTimeout) {
		g.metricTimeouts.Add(1)
	}
	return err
}

func (g *Gemini) Stats() GeminiStats {
	return GeminiStats{
		Requests: g.metricRequests.Load(),
		Failures: g.metricFailures.Load(),
		Timeouts: g.metricTimeouts.Load(),
		Active:   g.pool.Active(),
	}
}

func (g *Gemini) Stop() {
	g.pool.Stop()
}

func completionFromResponse(resp openai.ChatCompletionResponse) (Completion, error) {
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: no choices in response", ErrUpstreamFailure)
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf(
			"%w: empty response (finish reason: %q)",
			ErrUpstreamFailure,
			choice.FinishReason,
		)
	}
	return Completion{
		Text:             text,
		Model:            resp.Model,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// upstreamStatusCode returns the HTTP status code of an API error, or 0
func upstreamStatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryableUpstreamError reports whether a failed request may succeed
// if sent again.
func retryableUpstreamError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if isTimeout(err) {
		return true
	}
	if code := upstreamStatusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyUpstreamError wraps err with ErrUpstreamTimeout or
// ErrUpstreamFailure, unless it already wraps one of them.
func classifyUpstreamError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamFailure):
		return err
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
}
