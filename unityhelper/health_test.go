package unityhelper

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHealthServer(t testing.TB) (*UnityHelper, *HealthServer, *mockDiscordSession) {
	t.Helper()
	u, _, session := newTestUnityHelper(
		t, func(cfg *Config) {
			cfg.Health.Enabled = true
		},
	)
	require.NotNil(t, u.health)
	gin.SetMode(gin.TestMode)
	return u, u.health, session
}

func healthRequest(
	t testing.TB,
	h *HealthServer,
	method string,
	path string,
	headers map[string]string,
) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)

	body := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

// setReady simulates the gateway connecting and sending Ready
func setReady(d *Discord, guilds ...*discordgo.Guild) *discordgo.User {
	botUser := &discordgo.User{ID: "bot_id", Username: "unityhelper"}
	d.handlerConnect()(nil, nil)
	d.onReady(&discordgo.Ready{User: botUser, Guilds: guilds})
	return botUser
}

func TestHealthServer_Home(t *testing.T) {
	_, h, _ := newTestHealthServer(t)

	w, body := healthRequest(t, h, http.MethodGet, healthPathRoot, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, healthServiceName, body["name"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, false, body["bot_connected"])
	assert.Contains(t, body, "uptime_seconds")

	requestID := w.Header().Get(xRequestIDHeader)
	require.NotEmpty(t, requestID)
	_, err := uuid.Parse(requestID)
	assert.NoError(t, err)
}

func TestHealthServer_HealthCheck(t *testing.T) {
	u, h, _ := newTestHealthServer(t)

	w, body := healthRequest(t, h, http.MethodGet, healthPathHealth, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, healthStatusDown, body["status"])
	assert.Equal(t, false, body["bot_connected"])

	setReady(
		u.discord,
		&discordgo.Guild{ID: "g1", MemberCount: 2},
		&discordgo.Guild{ID: "g2", MemberCount: 3},
	)

	w, body = healthRequest(t, h, http.MethodGet, healthPathHealth, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, healthStatusUp, body["status"])
	assert.Equal(t, true, body["bot_connected"])
	assert.Equal(t, float64(2), body["guilds_count"])

	ts, ok := body["timestamp"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)

	assert.Equal(t, int64(2), h.metricRequestsServed.Load())

	u.discord.handlerDisconnect()(nil, nil)
	w, _ = healthRequest(t, h, http.MethodGet, healthPathHealth, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthServer_Stats(t *testing.T) {
	u, h, session := newTestHealthServer(t)

	w, body := healthRequest(t, h, http.MethodGet, healthPathStats, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Bot not ready", body["error"])

	session.latency = 1234567 * time.Nanosecond
	botUser := setReady(
		u.discord,
		&discordgo.Guild{ID: "g1", MemberCount: 2},
		&discordgo.Guild{ID: "g2", MemberCount: 3},
	)
	_, err := u.discord.registerCommands(u.config.Gemini.MaxPromptLength)
	require.NoError(t, err)

	i := newDiscordInteraction(t, newDiscordUser(t), "", DiscordSlashCommandAsk, "q")
	u.handleInteraction(context.Background(), newStubInteractionHandler(t, i))
	healthRequest(t, h, http.MethodGet, healthPathHealth, nil)

	w, body = healthRequest(t, h, http.MethodGet, healthPathStats, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, botUser.String(), body["bot_name"])
	assert.Equal(t, botUser.ID, body["bot_id"])
	assert.Equal(t, float64(2), body["guilds"])
	assert.Equal(t, float64(5), body["users"])
	assert.Equal(t, float64(6), body["commands"])
	assert.Equal(t, 1.23, body["latency_ms"])
	assert.Equal(t, float64(1), body["requests_served"])
	assert.Equal(t, float64(1), body["interactions"])
	assert.Equal(t, float64(1), body["ai_requests"])
	assert.Equal(t, float64(0), body["ai_failures"])
	assert.Equal(t, float64(0), body["ai_timeouts"])
	assert.Equal(t, float64(0), body["throttled"])
	assert.Equal(t, float64(0), body["known_issue_hits"])
	assert.Contains(t, body, "uptime_seconds")

	routes, ok := body["route_requests"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), routes[fmt.Sprintf("GET %s", healthPathStats)])
	assert.Equal(t, float64(1), routes[fmt.Sprintf("GET %s", healthPathHealth)])
}

func TestHealthServer_Ping(t *testing.T) {
	_, h, session := newTestHealthServer(t)
	session.latency = 42500 * time.Microsecond

	w, body := healthRequest(t, h, http.MethodGet, healthPathPing, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["pong"])
	assert.Equal(t, 42.5, body["latency_ms"])
	assert.Contains(t, body, "timestamp")
}

func TestHealthServer_CORS(t *testing.T) {
	_, h, _ := newTestHealthServer(t)

	w, _ := healthRequest(
		t,
		h,
		http.MethodGet,
		healthPathPing,
		map[string]string{"Origin": "https://example.com"},
	)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthServer_NotFound(t *testing.T) {
	_, h, _ := newTestHealthServer(t)
	w, _ := healthRequest(t, h, http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthServer_Serve(t *testing.T) {
	_, h, _ := newTestHealthServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	serveCtx, serveCancel := context.WithCancel(ctx)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.Serve(serveCtx)
	}()

	addr, err := h.Addr(ctx)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("http://%s%s", addr.String(), healthPathPing),
		nil,
	)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	serveCancel()
	select {
	case <-ctx.Done():
		t.Fatal("timed out waiting for server to stop")
	case err = <-serveErr:
		assert.NoError(t, err)
	}
}

func TestLatencyMilliseconds(t *testing.T) {
	assert.Equal(t, float64(0), latencyMilliseconds(0))
	assert.Equal(t, 42.0, latencyMilliseconds(42*time.Millisecond))
	assert.Equal(t, 1.23, latencyMilliseconds(1234567*time.Nanosecond))
	assert.Equal(t, 0.5, latencyMilliseconds(500*time.Microsecond))
}
