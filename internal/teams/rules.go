// Package teams grants team memberships from identity provider claims.
//
// Administrators attach claim rules to a team. At each single sign-on login
// the first rule of a team that matches the user's claims adds the user to
// that team. Memberships are only ever added, never changed or removed.
package teams

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned when no rule store is configured.
	ErrUnavailable = errors.New("team rules are not available")

	// ErrInvalidRule is returned for a rule with an empty team, field or value.
	ErrInvalidRule = errors.New("invalid team rule")

	// ErrTeamNotFound is returned when a rule references an unknown team.
	ErrTeamNotFound = errors.New("team not found")

	// ErrConcurrentUpdate is returned when an optimistic update keeps losing
	// the race against other writers.
	ErrConcurrentUpdate = errors.New("team rules changed concurrently")
)

// Rule grants TeamRole in a team when ClaimField matches ClaimValue.
type Rule struct {
	ID         string    `json:"id"`
	ClaimField string    `json:"claimField"`
	ClaimValue string    `json:"claimValue"`
	TeamRole   string    `json:"teamRole"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RuleSet maps a team ID to its rules, in evaluation order.
type RuleSet map[string][]Rule

// Clone returns a deep copy of rs. A nil set clones to an empty one.
func (rs RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(rs))
	for teamID, rules := range rs {
		out[teamID] = slices.Clone(rules)
	}
	return out
}

// TeamIDs returns the team IDs in sorted order.
func (rs RuleSet) TeamIDs() []string {
	return slices.Sorted(maps.Keys(rs))
}

// RuleStore persists the whole rule set as one document.
type RuleStore interface {
	// Load returns the current rule set. A store with nothing saved returns
	// an empty set.
	Load(ctx context.Context) (RuleSet, error)

	// Update applies fn to the current rule set and saves the result
	// atomically. If fn returns an error nothing is written and the error is
	// returned unchanged.
	Update(ctx context.Context, fn func(RuleSet) error) error
}

// MatchClaimValue reports whether a claim value contains want. Arrays match
// on any element, strings match exactly or as a comma separated list.
func MatchClaimValue(value any, want string) bool {
	switch v := value.(type) {
	case nil:
		return false
	case []any:
		for _, elem := range v {
			if elem != nil && fmt.Sprint(elem) == want {
				return true
			}
		}
		return false
	case []string:
		return slices.Contains(v, want)
	case string:
		if v == want {
			return true
		}
		for part := range strings.SplitSeq(v, ",") {
			if strings.TrimSpace(part) == want {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(v) == want
	}
}
