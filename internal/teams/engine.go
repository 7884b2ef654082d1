package teams

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"umamisso/internal/auth/oidc"
	"umamisso/internal/observability"
	"umamisso/internal/storage"
	"umamisso/internal/validation"
)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics counts granted memberships and sync errors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for rule and membership
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine stores team claim rules and applies them at login.
// An Engine without a RuleStore is disabled: rule administration returns
// ErrUnavailable and ApplyTeamMappings does nothing.
type Engine struct {
	rules   RuleStore
	teams   storage.TeamStore
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

var _ oidc.TeamSynchronizer = (*Engine)(nil)

// NewEngine creates an Engine. rules may be nil.
func NewEngine(rules RuleStore, teams storage.TeamStore, logger observability.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = observability.Discard()
	}
	e := &Engine{
		rules:  rules,
		teams:  teams,
		logger: logger.WithComponent("teams"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled reports whether a rule store is configured.
func (e *Engine) Enabled() bool {
	return e != nil && e.rules != nil && e.teams != nil
}

// ListRules returns every team's rules.
func (e *Engine) ListRules(ctx context.Context) (RuleSet, error) {
	if !e.Enabled() {
		return nil, ErrUnavailable
	}
	rs, err := e.rules.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load team rules: %w", err)
	}
	return rs, nil
}

// AddRule appends a rule to a team. An empty teamRole defaults to
// storage.TeamRoleMember.
func (e *Engine) AddRule(ctx context.Context, teamID, claimField, claimValue, teamRole string) (Rule, error) {
	if !e.Enabled() {
		return Rule{}, ErrUnavailable
	}

	teamID = strings.TrimSpace(teamID)
	claimField = strings.TrimSpace(claimField)
	claimValue = strings.TrimSpace(claimValue)
	// "team_member" and "team-member" name the same role.
	teamRole = strings.ReplaceAll(strings.TrimSpace(teamRole), "_", "-")
	if teamID == "" {
		return Rule{}, fmt.Errorf("%w: teamId is required", ErrInvalidRule)
	}
	if err := validation.ValidateClaimField(claimField); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := validation.ValidateClaimValue(claimValue); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if teamRole == "" {
		teamRole = storage.TeamRoleMember
	}
	if !validTeamRole(teamRole) {
		return Rule{}, fmt.Errorf("%w: unknown team role %q", ErrInvalidRule, teamRole)
	}

	team, err := e.teams.GetTeam(ctx, teamID)
	if err != nil {
		return Rule{}, fmt.Errorf("get team: %w", err)
	}
	if team == nil {
		return Rule{}, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}

	rule := Rule{
		ClaimField: claimField,
		ClaimValue: claimValue,
		TeamRole:   teamRole,
		CreatedAt:  e.now().UTC(),
	}
	err = e.rules.Update(ctx, func(rs RuleSet) error {
		// fn may run more than once; pick the ID against this attempt's set.
		rule.ID = uuid.NewString()
		for slices.ContainsFunc(rs[teamID], func(r Rule) bool { return r.ID == rule.ID }) {
			rule.ID = uuid.NewString()
		}
		rs[teamID] = append(rs[teamID], rule)
		return nil
	})
	if err != nil {
		return Rule{}, fmt.Errorf("save team rule: %w", err)
	}

	e.logger.InfoContext(ctx, "team rule added",
		"team_id", teamID, "rule_id", rule.ID, "claim_field", claimField, "team_role", teamRole)
	return rule, nil
}

// errRuleAbsent aborts an Update without writing.
var errRuleAbsent = errors.New("rule absent")

// RemoveRule deletes a rule. It returns false, without writing, when the
// team has no such rule.
func (e *Engine) RemoveRule(ctx context.Context, teamID, ruleID string) (bool, error) {
	if !e.Enabled() {
		return false, ErrUnavailable
	}
	teamID = strings.TrimSpace(teamID)
	ruleID = strings.TrimSpace(ruleID)
	if teamID == "" || ruleID == "" {
		return false, fmt.Errorf("%w: teamId and ruleId are required", ErrInvalidRule)
	}

	err := e.rules.Update(ctx, func(rs RuleSet) error {
		rules := rs[teamID]
		i := slices.IndexFunc(rules, func(r Rule) bool { return r.ID == ruleID })
		if i < 0 {
			return errRuleAbsent
		}
		rules = slices.Delete(slices.Clone(rules), i, i+1)
		if len(rules) == 0 {
			delete(rs, teamID)
		} else {
			rs[teamID] = rules
		}
		return nil
	})
	if errors.Is(err, errRuleAbsent) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("save team rules: %w", err)
	}

	e.logger.InfoContext(ctx, "team rule removed", "team_id", teamID, "rule_id", ruleID)
	return true, nil
}

// ApplyTeamMappings adds the user to every team with a rule matching the
// claims. Only the first matching rule of each team is used, and a user who
// is already a member keeps their current role. Failures are logged per
// team and never returned.
func (e *Engine) ApplyTeamMappings(ctx context.Context, userID string, userInfo, idClaims oidc.Claims) {
	if !e.Enabled() || userID == "" {
		return
	}

	rs, err := e.rules.Load(ctx)
	if err != nil {
		e.metrics.RecordTeamSyncError()
		e.logger.WarnContext(ctx, "team sync skipped: rules unavailable", "user_id", userID, "error", err)
		return
	}

	for _, teamID := range rs.TeamIDs() {
		rule, ok := firstMatch(rs[teamID], userInfo, idClaims)
		if !ok {
			continue
		}
		granted, err := e.ensureMembership(ctx, teamID, userID, rule.TeamRole)
		if err != nil {
			e.metrics.RecordTeamSyncError()
			e.logger.WarnContext(ctx, "team sync failed",
				"user_id", userID, "team_id", teamID, "rule_id", rule.ID, "error", err)
			continue
		}
		if granted {
			e.metrics.RecordTeamGrant()
			e.logger.InfoContext(ctx, "team membership granted",
				"user_id", userID, "team_id", teamID, "rule_id", rule.ID, "team_role", rule.TeamRole)
		}
	}
}

func firstMatch(rules []Rule, userInfo, idClaims oidc.Claims) (Rule, bool) {
	for _, r := range rules {
		v, ok := oidc.LookupClaim(r.ClaimField, userInfo, idClaims)
		if ok && MatchClaimValue(v, r.ClaimValue) {
			return r, true
		}
	}
	return Rule{}, false
}

// ensureMembership adds the user unless they already belong to the team.
// It reports whether a membership was created.
func (e *Engine) ensureMembership(ctx context.Context, teamID, userID, role string) (bool, error) {
	existing, err := e.teams.GetMembership(ctx, teamID, userID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if role == "" {
		role = storage.TeamRoleMember
	}

	err = e.teams.AddMember(ctx, storage.Membership{
		TeamID:    teamID,
		UserID:    userID,
		Role:      role,
		CreatedAt: e.now().UTC(),
	})
	if errors.Is(err, storage.ErrConflict) {
		// Added by a concurrent login.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func validTeamRole(role string) bool {
	switch role {
	case storage.TeamRoleOwner, storage.TeamRoleManager, storage.TeamRoleMember, storage.TeamRoleViewOnly:
		return true
	}
	return false
}
