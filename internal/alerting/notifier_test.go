package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = Notification{
	Kind:  KindAuthorization,
	Title: "role update blocked",
	Lines: []string{"missing: Manage Roles", "move the bot role above PDT: $0.0123"},
	At:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sample))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "role update blocked")
	assert.Contains(t, received["text"], "- missing: Manage Roles")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	assert.Error(t, notifier.Notify(context.Background(), sample))
}

func TestWebhookNotifier(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, "pricebot", time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sample))

	assert.Equal(t, "pricebot", received["username"])
	assert.True(t, strings.HasPrefix(received["content"], "[pricebot] role update blocked"))
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, "", time.Second, zerolog.Nop()).Notify(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Unknown Webhook")
}

func TestWebhookNotifierTruncates(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	long := Notification{Title: strings.Repeat("x", 3000)}
	require.NoError(t, NewWebhookNotifier(srv.URL, "", time.Second, zerolog.Nop()).Notify(context.Background(), long))
	assert.Len(t, []rune(received["content"]), maxWebhookContent)
}

func TestRenderMessage(t *testing.T) {
	msg := renderMessage(sample)
	assert.Equal(t, "[pricebot] role update blocked\nAt: 2024-05-01T12:00:00Z UTC\n- missing: Manage Roles\n- move the bot role above PDT: $0.0123", msg)
}

type recorder struct {
	notes []Notification
	err   error
}

func (r *recorder) Notify(_ context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}

	err := Multi{bad, ok}.Notify(context.Background(), sample)

	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.notes, 1)
	assert.Len(t, bad.notes, 1)
}

func TestThrottleCooldownPerKind(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(rec, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, th.Notify(ctx, sample))
	require.NoError(t, th.Notify(ctx, sample))
	require.NoError(t, th.Notify(ctx, Notification{Kind: KindFeedFailure}))
	assert.Len(t, rec.notes, 2)

	now = now.Add(2 * time.Minute)
	require.NoError(t, th.Notify(ctx, sample))
	assert.Len(t, rec.notes, 3)
}

func TestThrottleFailureDoesNotStartCooldown(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	th := NewThrottle(rec, time.Hour)

	assert.Error(t, th.Notify(context.Background(), sample))
	rec.err = nil
	assert.NoError(t, th.Notify(context.Background(), sample))
	assert.Len(t, rec.notes, 2)
}
