package teams

import (
	"context"
	"errors"
	"testing"
	"time"

	"umamisso/internal/auth/oidc"
	"umamisso/internal/observability"
	"umamisso/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryRuleStore, *storage.MemoryTeamStore) {
	t.Helper()
	rules := NewMemoryRuleStore()
	teamStore := storage.NewMemoryTeamStore()
	e := NewEngine(rules, teamStore, observability.Discard(),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }))
	return e, rules, teamStore
}

func createTeam(t *testing.T, s storage.TeamStore, name string) string {
	t.Helper()
	team, err := s.CreateTeam(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateTeam(%s): %v", name, err)
	}
	return team.ID
}

func TestEngine_Disabled(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(nil, storage.NewMemoryTeamStore(), nil)

	if e.Enabled() {
		t.Fatal("engine without a rule store should be disabled")
	}
	if _, err := e.ListRules(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ListRules: expected ErrUnavailable, got %v", err)
	}
	if _, err := e.AddRule(ctx, "t", "groups", "eng", ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("AddRule: expected ErrUnavailable, got %v", err)
	}
	if _, err := e.RemoveRule(ctx, "t", "r"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("RemoveRule: expected ErrUnavailable, got %v", err)
	}
	// Must not panic.
	e.ApplyTeamMappings(ctx, "u1", oidc.Claims{"groups": []any{"eng"}}, nil)

	var nilEngine *Engine
	if nilEngine.Enabled() {
		t.Error("nil engine should be disabled")
	}
}

func TestEngine_AddRuleValidation(t *testing.T) {
	ctx := context.Background()
	e, rules, teamStore := newTestEngine(t)
	teamID := createTeam(t, teamStore, "Engineering")

	tests := []struct {
		name                       string
		teamID, field, value, role string
		want                       error
	}{
		{"empty team", " ", "groups", "eng", "", ErrInvalidRule},
		{"empty field", teamID, "  ", "eng", "", ErrInvalidRule},
		{"empty value", teamID, "groups", "\t", "", ErrInvalidRule},
		{"spaced field", teamID, "cost center", "eng", "", ErrInvalidRule},
		{"control char value", teamID, "groups", "eng\x00", "", ErrInvalidRule},
		{"bad role", teamID, "groups", "eng", "team-superuser", ErrInvalidRule},
		{"unknown team", "no-such-team", "groups", "eng", "", ErrTeamNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddRule(ctx, tt.teamID, tt.field, tt.value, tt.role)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if v := rules.Version(); v != 0 {
		t.Errorf("rejected rules must not write; version = %d", v)
	}
}

func TestEngine_AddListRemove(t *testing.T) {
	ctx := context.Background()
	e, rules, teamStore := newTestEngine(t)
	teamID := createTeam(t, teamStore, "Engineering")

	r1, err := e.AddRule(ctx, teamID, " groups ", " eng ", "")
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if r1.ID == "" {
		t.Error("expected generated rule ID")
	}
	if r1.ClaimField != "groups" || r1.ClaimValue != "eng" {
		t.Errorf("expected trimmed field and value, got %q=%q", r1.ClaimField, r1.ClaimValue)
	}
	if r1.TeamRole != storage.TeamRoleMember {
		t.Errorf("default role = %q, want %q", r1.TeamRole, storage.TeamRoleMember)
	}
	if r1.CreatedAt.IsZero() {
		t.Error("expected CreatedAt")
	}

	r2, err := e.AddRule(ctx, teamID, "department", "R&D", storage.TeamRoleManager)
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if r1.ID == r2.ID {
		t.Error("rule IDs must be unique")
	}

	rs, err := e.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if got := rs[teamID]; len(got) != 2 || got[0].ID != r1.ID || got[1].ID != r2.ID {
		t.Fatalf("rules = %+v, want [r1 r2] in order", got)
	}

	before := rules.Version()
	removed, err := e.RemoveRule(ctx, teamID, "missing")
	if err != nil || removed {
		t.Fatalf("RemoveRule(missing) = %v, %v; want false, nil", removed, err)
	}
	if rules.Version() != before {
		t.Error("removing an absent rule must not write")
	}
	if removed, _ := e.RemoveRule(ctx, "other-team", r1.ID); removed {
		t.Error("rule IDs are scoped to their team")
	}

	if removed, err := e.RemoveRule(ctx, teamID, r1.ID); err != nil || !removed {
		t.Fatalf("RemoveRule(r1) = %v, %v", removed, err)
	}
	if removed, err := e.RemoveRule(ctx, teamID, r2.ID); err != nil || !removed {
		t.Fatalf("RemoveRule(r2) = %v, %v", removed, err)
	}
	rs, _ = e.ListRules(ctx)
	if _, ok := rs[teamID]; ok {
		t.Error("team key should be dropped once its last rule is removed")
	}
}

func TestEngine_ApplyTeamMappings(t *testing.T) {
	ctx := context.Background()
	e, _, teamStore := newTestEngine(t)
	eng := createTeam(t, teamStore, "Engineering")
	ops := createTeam(t, teamStore, "Operations")
	sales := createTeam(t, teamStore, "Sales")

	mustAdd := func(teamID, field, value, role string) {
		t.Helper()
		if _, err := e.AddRule(ctx, teamID, field, value, role); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}
	// First match wins inside a team.
	mustAdd(eng, "groups", "eng-leads", storage.TeamRoleManager)
	mustAdd(eng, "groups", "eng", storage.TeamRoleMember)
	// Nested claim from the ID token.
	mustAdd(ops, "realm_access.roles", "ops", storage.TeamRoleViewOnly)
	mustAdd(sales, "groups", "sales", storage.TeamRoleMember)

	userInfo := oidc.Claims{"groups": []any{"eng", "eng-leads"}}
	idClaims := oidc.Claims{"realm_access": map[string]any{"roles": []any{"ops"}}}

	e.ApplyTeamMappings(ctx, "u1", userInfo, idClaims)

	m, _ := teamStore.GetMembership(ctx, eng, "u1")
	if m == nil || m.Role != storage.TeamRoleManager {
		t.Errorf("engineering membership = %+v, want %s", m, storage.TeamRoleManager)
	}
	m, _ = teamStore.GetMembership(ctx, ops, "u1")
	if m == nil || m.Role != storage.TeamRoleViewOnly {
		t.Errorf("operations membership = %+v, want %s", m, storage.TeamRoleViewOnly)
	}
	if m, _ := teamStore.GetMembership(ctx, sales, "u1"); m != nil {
		t.Errorf("unexpected sales membership %+v", m)
	}
}

func TestEngine_RepeatLoginIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, teamStore := newTestEngine(t)
	teamID := createTeam(t, teamStore, "Engineering")
	if _, err := e.AddRule(ctx, teamID, "groups", "eng", storage.TeamRoleMember); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// The user already holds a different role, set by hand.
	if err := teamStore.AddMember(ctx, storage.Membership{TeamID: teamID, UserID: "u2", Role: storage.TeamRoleOwner}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	claims := oidc.Claims{"groups": "eng"}
	for range 3 {
		e.ApplyTeamMappings(ctx, "u1", claims, nil)
		e.ApplyTeamMappings(ctx, "u2", claims, nil)
	}

	members, _ := teamStore.ListMembers(ctx, teamID)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	m, _ := teamStore.GetMembership(ctx, teamID, "u2")
	if m.Role != storage.TeamRoleOwner {
		t.Errorf("existing membership changed to %q", m.Role)
	}
}

type failingTeamStore struct {
	storage.TeamStore
	failTeam string
}

func (s *failingTeamStore) AddMember(ctx context.Context, m storage.Membership) error {
	if m.TeamID == s.failTeam {
		return errors.New("database is locked")
	}
	return s.TeamStore.AddMember(ctx, m)
}

func TestEngine_ApplyTeamMappingsSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	base := storage.NewMemoryTeamStore()
	bad := createTeam(t, base, "A broken team")
	good := createTeam(t, base, "Z working team")

	metrics := observability.NewMetrics(observability.DefaultMetricsConfig())
	e := NewEngine(NewMemoryRuleStore(), &failingTeamStore{TeamStore: base, failTeam: bad}, nil, WithMetrics(metrics))
	for _, id := range []string{bad, good} {
		if _, err := e.AddRule(ctx, id, "groups", "eng", ""); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}
	// A team deleted after its rule was written.
	if err := e.rules.Update(ctx, func(rs RuleSet) error {
		rs["deleted-team"] = []Rule{{ID: "r", ClaimField: "groups", ClaimValue: "eng", TeamRole: storage.TeamRoleMember}}
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	e.ApplyTeamMappings(ctx, "u1", oidc.Claims{"groups": []any{"eng"}}, nil)

	if m, _ := base.GetMembership(ctx, good, "u1"); m == nil {
		t.Error("a failure in one team must not stop the others")
	}
}

type brokenRuleStore struct{}

func (brokenRuleStore) Load(context.Context) (RuleSet, error) {
	return nil, errors.New("connection refused")
}

func (brokenRuleStore) Update(context.Context, func(RuleSet) error) error {
	return errors.New("connection refused")
}

func TestEngine_StoreErrors(t *testing.T) {
	ctx := context.Background()
	teamStore := storage.NewMemoryTeamStore()
	teamID := createTeam(t, teamStore, "Engineering")
	e := NewEngine(brokenRuleStore{}, teamStore, nil)

	if _, err := e.ListRules(ctx); err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf("ListRules: expected a store error, got %v", err)
	}
	if _, err := e.AddRule(ctx, teamID, "groups", "eng", ""); err == nil {
		t.Error("AddRule: expected error")
	}
	e.ApplyTeamMappings(ctx, "u1", oidc.Claims{"groups": "eng"}, nil)
	if m, _ := teamStore.GetMembership(ctx, teamID, "u1"); m != nil {
		t.Error("no membership expected when rules cannot be loaded")
	}
}

func TestEngine_AddRuleAcceptsUnderscoreRoles(t *testing.T) {
	ctx := context.Background()
	e, _, teamStore := newTestEngine(t)
	teamID := createTeam(t, teamStore, "Marketing")

	rule, err := e.AddRule(ctx, teamID, "groups", "marketing-analytics", "team_member")
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if rule.TeamRole != "team-member" {
		t.Fatalf(`"team_member" should be stored as "team-member", got %q`, rule.TeamRole)
	}
	stored, err := e.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if got := stored[teamID]; len(got) != 1 || got[0].TeamRole != "team-member" {
		t.Fatalf("persisted rule role = %+v, want team-member", got)
	}

	userInfo := oidc.Claims{"groups": []any{"users", "marketing-analytics"}}
	e.ApplyTeamMappings(ctx, "u1", userInfo, nil)
	e.ApplyTeamMappings(ctx, "u1", userInfo, nil)

	members, err := teamStore.ListMembers(ctx, teamID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].Role != storage.TeamRoleMember {
		t.Fatalf("expected exactly one team-member grant, got %+v", members)
	}
}
