package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"price-presence-bot/internal/alerting"
	"price-presence-bot/internal/audit"
	"price-presence-bot/internal/config"
	"price-presence-bot/internal/display"
	"price-presence-bot/internal/fetcher"
	"price-presence-bot/internal/gateway"
	"price-presence-bot/internal/reconcile"
	"price-presence-bot/internal/scheduler"
)

const guildID = 7

type fakeFetcher struct {
	samples []fetcher.PriceSample
	calls   int
}

func (f *fakeFetcher) Fetch(context.Context) (fetcher.PriceSample, error) {
	i := f.calls
	f.calls++
	if i < len(f.samples) {
		return f.samples[i], nil
	}
	return f.samples[len(f.samples)-1], nil
}

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context) (fetcher.PriceSample, error) {
	args := m.Called(ctx)
	return args.Get(0).(fetcher.PriceSample), args.Error(1)
}

// fakePlatform serves a mutable guild snapshot and applies role edits to it.
type fakePlatform struct {
	mu       sync.Mutex
	ready    chan struct{}
	guild    gateway.Guild
	guildErr error
	fail     map[string]error
	ops      []string
	presence []string
}

func newFakePlatform(botPos, targetPos int) *fakePlatform {
	perms := gateway.PermManageRoles | gateway.PermChangeNickname | gateway.PermViewChannel
	ready := make(chan struct{})
	close(ready)
	return &fakePlatform{
		ready: ready,
		fail:  map[string]error{},
		guild: gateway.Guild{
			ID: guildID,
			Roles: []gateway.Role{
				{ID: "7", Name: "@everyone"},
				{ID: "bot-role", Name: "Price Bot", Position: botPos, Permissions: perms},
				{ID: "display", Name: "PDT: $0.0100", Position: targetPos},
			},
			Self: gateway.Member{UserID: "bot", RoleIDs: []string{"bot-role", "display"}},
		},
	}
}

func (f *fakePlatform) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return f.fail[op]
}

func (f *fakePlatform) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakePlatform) Ready() <-chan struct{} { return f.ready }

func (f *fakePlatform) Guild(context.Context, int64) (gateway.Guild, error) {
	if err := f.record("guild"); err != nil {
		return gateway.Guild{}, err
	}
	if f.guildErr != nil {
		return gateway.Guild{}, f.guildErr
	}
	return f.guild, nil
}

func (f *fakePlatform) CreateRole(_ context.Context, _ int64, spec gateway.RoleSpec) (gateway.Role, error) {
	if err := f.record("create"); err != nil {
		return gateway.Role{}, err
	}
	return gateway.Role{ID: "created", Name: spec.Name, Position: 1}, nil
}

func (f *fakePlatform) EditRole(_ context.Context, _ int64, roleID string, edit gateway.RoleEdit) (gateway.Role, error) {
	if err := f.record("edit"); err != nil {
		return gateway.Role{}, err
	}
	for i, r := range f.guild.Roles {
		if r.ID != roleID {
			continue
		}
		if edit.Name != nil {
			f.guild.Roles[i].Name = *edit.Name
		}
		if edit.Color != nil {
			f.guild.Roles[i].Color = *edit.Color
		}
		return f.guild.Roles[i], nil
	}
	return gateway.Role{}, fmt.Errorf("unknown role %s", roleID)
}

func (f *fakePlatform) MoveRole(context.Context, int64, string, int) error {
	return f.record("move")
}

func (f *fakePlatform) AddMemberRole(context.Context, int64, string, string) error {
	return f.record("assign")
}

func (f *fakePlatform) SetNickname(_ context.Context, _ int64, nick string) error {
	if err := f.record("nick"); err != nil {
		return err
	}
	f.guild.Self.Nick = nick
	return nil
}

func (f *fakePlatform) SetPresence(_ context.Context, p gateway.Presence) error {
	if p.Text == "" {
		return f.record("presence.clear")
	}
	if err := f.record("presence.set"); err != nil {
		return err
	}
	f.mu.Lock()
	f.presence = append(f.presence, p.Text)
	f.mu.Unlock()
	return nil
}

type notes struct {
	mu  sync.Mutex
	got []alerting.Notification
}

func (n *notes) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

func (n *notes) kinds() []alerting.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]alerting.Kind, 0, len(n.got))
	for _, note := range n.got {
		out = append(out, note.Kind)
	}
	return out
}

type fakeLocker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Discord:   config.DiscordConfig{GuildID: guildID},
		Display:   config.DisplayConfig{RolePrefix: "PDT:"},
		Scheduler: config.SchedulerConfig{ReadyTimeout: time.Second, AdvisoryLockKey: 99},
		Alerting:  config.AlertingConfig{Enabled: true, FailureThreshold: 2},
	}
}

func sample(price, change string) fetcher.PriceSample {
	return fetcher.PriceSample{Price: decimal.RequireFromString(price), Change24h: decimal.RequireFromString(change)}
}

func newService(t *testing.T, f fetcher.PriceFetcher, p *fakePlatform, n alerting.Notifier) *Service {
	t.Helper()
	logger := zerolog.Nop()
	presence := reconcile.NewPresenceReconciler(p, reconcile.PresenceOptions{LoadingText: "Loading PDT Price..."}, logger)
	return New(testConfig(), Deps{
		Scheduler: scheduler.New(scheduler.Options{Interval: time.Hour, Immediate: true}, logger),
		Fetcher:   f,
		Platform:  p,
		Auditor:   audit.New(audit.PolicyMinimal, logger),
		Roles:     reconcile.NewRoleReconciler(p, reconcile.RoleOptions{Prefix: "PDT:", NeutralColor: display.ColorGrey}, logger),
		Presence:  presence,
		Formatter: display.Formatter{Symbol: "PDT", PriceDecimals: 4, Positive: display.ColorGreen, Negative: display.ColorRed},
		Notifier:  n,
	}, logger)
}

func TestRunCycleSyncsEverything(t *testing.T) {
	p := newFakePlatform(5, 3)
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("0.01234", "5.666")}}, p, nil)
	state := &LoopState{}

	res, err := svc.RunCycle(context.Background(), state)

	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, "initial", res.Direction)
	assert.Equal(t, "PDT: $0.0123", res.Desired.RoleName)
	assert.Equal(t, reconcile.RoleUpdated, res.Role.Status)
	assert.Equal(t, []string{"guild", "edit", "nick", "presence.clear", "presence.set"}, p.calls())
	assert.Equal(t, []string{"24h: +5.67%"}, p.presence)
	require.NotNil(t, state.LastPrice)
	assert.True(t, state.LastPrice.Equal(decimal.RequireFromString("0.01234")))
}

func TestRunCycleIsIdempotent(t *testing.T) {
	p := newFakePlatform(5, 3)
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("0.0123", "1")}}, p, nil)
	state := &LoopState{}

	_, err := svc.RunCycle(context.Background(), state)
	require.NoError(t, err)
	before := len(p.calls())

	res, err := svc.RunCycle(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, reconcile.RoleUnchanged, res.Role.Status)
	assert.Zero(t, res.Role.Calls)
	assert.Equal(t, "flat", res.Direction)
	assert.Equal(t, []string{"guild", "presence.clear", "presence.set"}, p.calls()[before:])
}

func TestRunCycleRateLimitedSkipsGateway(t *testing.T) {
	p := newFakePlatform(5, 3)
	n := &notes{}
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything).Return(fetcher.PriceSample{}, fetcher.ErrRateLimited).Once()
	f.On("Fetch", mock.Anything).Return(fetcher.PriceSample{}, fetcher.ErrSourceUnavailable).Once()
	f.On("Fetch", mock.Anything).Return(fetcher.PriceSample{}, fetcher.ErrMalformedResponse).Once()
	f.On("Fetch", mock.Anything).Return(sample("1", "1"), nil).Once()
	svc := newService(t, f, p, n)
	state := &LoopState{}

	for i := 1; i <= 3; i++ {
		res, err := svc.RunCycle(context.Background(), state)
		require.NoError(t, err)
		assert.Error(t, res.FetchErr)
		assert.Equal(t, i, state.ConsecutiveFailures)
	}
	assert.Empty(t, p.calls())
	assert.Nil(t, state.LastPrice)
	assert.Equal(t, []alerting.Kind{alerting.KindFeedFailure, alerting.KindFeedFailure}, n.kinds())

	res, err := svc.RunCycle(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Zero(t, state.ConsecutiveFailures)
	f.AssertExpectations(t)
}

func TestRunCycleHierarchyViolationStillUpdatesPresence(t *testing.T) {
	p := newFakePlatform(2, 4)
	n := &notes{}
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("0.0123", "-1.2")}}, p, n)
	state := &LoopState{}

	res, err := svc.RunCycle(context.Background(), state)

	require.NoError(t, err)
	assert.Equal(t, reconcile.RoleHierarchyViolation, res.Role.Status)
	assert.False(t, res.Report.OK)
	assert.NotContains(t, p.calls(), "edit")
	assert.Equal(t, []string{"24h: -1.20%"}, p.presence)
	assert.False(t, res.Synced)
	assert.Nil(t, state.LastPrice)
	assert.Equal(t, []alerting.Kind{alerting.KindAuthorization}, n.kinds())
}

func TestRunCycleReportsPlatformRoleRejection(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.fail["edit"] = fmt.Errorf("edit role: %w", gateway.ErrForbidden)
	n := &notes{}
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("0.0123", "1")}}, p, n)
	var buf bytes.Buffer
	svc.logger = zerolog.New(&buf)

	res, err := svc.RunCycle(context.Background(), &LoopState{})

	require.NoError(t, err)
	require.True(t, res.Report.OK)
	assert.Equal(t, reconcile.RolePermissionBlocked, res.Role.Status)
	assert.Empty(t, res.Report.Diagnostics())

	require.Len(t, n.got, 1)
	assert.Equal(t, alerting.KindAuthorization, n.got[0].Kind)
	require.Len(t, n.got[0].Lines, 1)
	assert.Contains(t, n.got[0].Lines[0], "edit role")
	assert.Contains(t, n.got[0].Lines[0], gateway.ErrForbidden.Error())

	logs := buf.String()
	assert.Contains(t, logs, `"message":"role update blocked by guild configuration"`)
	assert.Contains(t, logs, `"level":"warn","error":"`)
	assert.Contains(t, logs, gateway.ErrForbidden.Error())
}

func TestRunCycleLogsTransientRoleAndNicknameErrors(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.fail["edit"] = fmt.Errorf("edit role: %w", gateway.ErrTransient)
	p.fail["nick"] = fmt.Errorf("nick: %w", gateway.ErrTransient)
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("0.0123", "1")}}, p, nil)
	var buf bytes.Buffer
	svc.logger = zerolog.New(&buf)

	res, err := svc.RunCycle(context.Background(), &LoopState{})

	require.NoError(t, err)
	assert.Equal(t, reconcile.RoleFailed, res.Role.Status)
	assert.False(t, res.Synced)

	logs := buf.String()
	assert.Contains(t, logs, `"message":"cycle complete"`)
	assert.Contains(t, logs, `"level":"warn"`)
	assert.Contains(t, logs, `"error":"edit role: edit role: `)
	assert.Contains(t, logs, `"nickname_error":"set nickname: nick: `)
}

func TestRunCycleFatalAuthOnGuildRead(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.guildErr = fmt.Errorf("guild: %w", gateway.ErrFatalAuth)
	n := &notes{}
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, n)

	_, err := svc.RunCycle(context.Background(), &LoopState{})

	assert.ErrorIs(t, err, gateway.ErrFatalAuth)
	assert.Equal(t, []alerting.Kind{alerting.KindFatal}, n.kinds())
}

func TestRunCycleTransientGuildErrorSkips(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.guildErr = fmt.Errorf("guild: %w", gateway.ErrTransient)
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, nil)
	state := &LoopState{}

	res, err := svc.RunCycle(context.Background(), state)

	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Zero(t, state.ConsecutiveFailures)
	assert.Equal(t, []string{"guild"}, p.calls())
}

func TestRunCycleFatalAuthFromPresence(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.fail["presence.set"] = gateway.ErrFatalAuth
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, nil)

	_, err := svc.RunCycle(context.Background(), &LoopState{})
	assert.ErrorIs(t, err, gateway.ErrFatalAuth)
}

func TestRunCycleStopsBetweenStepsOnShutdown(t *testing.T) {
	p := newFakePlatform(5, 3)
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := svc.RunCycle(ctx, &LoopState{})

	require.NoError(t, err)
	require.NotNil(t, res.Sample)
	assert.Empty(t, p.calls())
}

func TestRunCycleAdvisoryLock(t *testing.T) {
	p := newFakePlatform(5, 3)
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, nil)

	held := &fakeLocker{}
	svc.deps.Locker = held
	res, err := svc.RunCycle(context.Background(), &LoopState{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, p.calls())

	svc.deps.Locker = &fakeLocker{err: errors.New("db down")}
	res, err = svc.RunCycle(context.Background(), &LoopState{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	free := &fakeLocker{acquired: true}
	svc.deps.Locker = free
	res, err = svc.RunCycle(context.Background(), &LoopState{})
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, 1, free.unlocked)
}

func TestRunSetsLoadingAndHaltsOnFatalAuth(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.fail["guild"] = gateway.ErrFatalAuth
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := svc.Run(ctx)

	assert.ErrorIs(t, err, gateway.ErrFatalAuth)
	assert.Equal(t, []string{"Loading PDT Price..."}, p.presence)
}

func TestRunFailsWhenGatewayNeverReady(t *testing.T) {
	p := newFakePlatform(5, 3)
	p.ready = make(chan struct{})
	svc := newService(t, &fakeFetcher{samples: []fetcher.PriceSample{sample("1", "1")}}, p, nil)
	svc.readyTimeout = 10 * time.Millisecond

	err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "gateway not ready")
	assert.Empty(t, p.calls())
}

func TestDirection(t *testing.T) {
	last := decimal.RequireFromString("1.5")
	assert.Equal(t, "initial", direction(nil, last))
	assert.Equal(t, "up", direction(&last, decimal.RequireFromString("2")))
	assert.Equal(t, "down", direction(&last, decimal.RequireFromString("1")))
	assert.Equal(t, "flat", direction(&last, decimal.RequireFromString("1.50")))
}
