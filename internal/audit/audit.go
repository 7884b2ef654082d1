// Package audit records security-relevant events: SSO logins, account
// provisioning and changes to team claim rules.
package audit

import (
	"context"
	"time"
)

// AuditEvent represents a single auditable action in the system.
type AuditEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`      // username, IdP subject or "anonymous"
	ActorType    string    `json:"actor_type"` // "user", "oidc" or "anonymous"
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name,omitempty"`
	Changes      *Changes  `json:"changes,omitempty"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
}

// Changes captures the before and after state for update operations.
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// ListOptions provides filtering and pagination options for listing audit events.
type ListOptions struct {
	Limit        int
	Offset       int
	Actor        string
	Action       string
	ResourceType string
	Outcome      string
	Since        *time.Time
	Until        *time.Time
}

// AuditLogger defines the interface for audit logging operations.
type AuditLogger interface {
	// Log records an audit event.
	Log(ctx context.Context, event *AuditEvent) error

	// List retrieves audit events with optional filtering.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)

	// GetByResource retrieves audit events for a specific resource.
	GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error)
}

// Actions.
const (
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionLogout      = "logout"
	ActionProvision   = "provision"
	ActionRoleChange  = "role_change"
	ActionRuleCreate  = "rule_create"
	ActionRuleDelete  = "rule_delete"
	ActionTeamCreate  = "team_create"
)

// Resource types.
const (
	ResourceUser     = "user"
	ResourceSession  = "session"
	ResourceTeam     = "team"
	ResourceTeamRule = "team_rule"
)

// Actor types.
const (
	ActorTypeUser      = "user"
	ActorTypeOIDC      = "oidc"
	ActorTypeAnonymous = "anonymous"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
