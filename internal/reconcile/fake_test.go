package reconcile

import (
	"context"
	"fmt"
	"sync"

	"price-presence-bot/internal/gateway"
)

type call struct {
	Op   string
	Args []any
}

// fakeGateway records every mutating call and can fail selected operations.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []call
	fail    map[string]error
	created gateway.Role
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fail: map[string]error{}, created: gateway.Role{ID: "new-role", Position: 1}}
}

func (f *fakeGateway) record(op string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: op, Args: args})
	return f.fail[op]
}

func (f *fakeGateway) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op)
	}
	return out
}

func (f *fakeGateway) last(op string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Op == op {
			return f.calls[i], true
		}
	}
	return call{}, false
}

func (f *fakeGateway) CreateRole(_ context.Context, _ int64, spec gateway.RoleSpec) (gateway.Role, error) {
	if err := f.record("create", spec); err != nil {
		return gateway.Role{}, err
	}
	role := f.created
	role.Name = spec.Name
	role.Color = spec.Color
	role.Hoist = spec.Hoist
	role.Mentionable = spec.Mentionable
	return role, nil
}

func (f *fakeGateway) EditRole(_ context.Context, _ int64, roleID string, edit gateway.RoleEdit) (gateway.Role, error) {
	if err := f.record("edit", roleID, edit); err != nil {
		return gateway.Role{}, err
	}
	return gateway.Role{ID: roleID}, nil
}

func (f *fakeGateway) MoveRole(_ context.Context, _ int64, roleID string, position int) error {
	return f.record("move", roleID, position)
}

func (f *fakeGateway) AddMemberRole(_ context.Context, _ int64, userID, roleID string) error {
	return f.record("assign", userID, roleID)
}

func (f *fakeGateway) SetNickname(_ context.Context, _ int64, nick string) error {
	return f.record("nick", nick)
}

func (f *fakeGateway) SetPresence(_ context.Context, p gateway.Presence) error {
	op := "presence.set"
	if p.Text == "" {
		op = "presence.clear"
	}
	return f.record(op, p)
}

func errForbidden(op string) error {
	return fmt.Errorf("%s: %w", op, gateway.ErrForbidden)
}
