package conversation

import (
	"context"
	"fmt"

	"github.com/samber/lo"
)

// InterceptionPolicy decides whether a new client to provider conversation is
// silently routed to the operator queue.
type InterceptionPolicy interface {
	ShouldIntercept(ctx context.Context, clientID, providerID string) bool
}

// PolicyFunc adapts a function to InterceptionPolicy.
type PolicyFunc func(ctx context.Context, clientID, providerID string) bool

// ShouldIntercept calls f.
func (f PolicyFunc) ShouldIntercept(ctx context.Context, clientID, providerID string) bool {
	return f(ctx, clientID, providerID)
}

// Always intercepts every new conversation.
func Always() InterceptionPolicy {
	return PolicyFunc(func(context.Context, string, string) bool { return true })
}

// Never intercepts.
func Never() InterceptionPolicy {
	return PolicyFunc(func(context.Context, string, string) bool { return false })
}

// Allowlist intercepts conversations addressed to the listed providers.
func Allowlist(providerIDs []string) InterceptionPolicy {
	set := lo.SliceToMap(providerIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	return PolicyFunc(func(_ context.Context, _, providerID string) bool {
		_, ok := set[providerID]
		return ok
	})
}

// NewPolicy builds a policy from its configured mode: always, never or
// allowlist.
func NewPolicy(mode string, providerIDs []string) (InterceptionPolicy, error) {
	switch mode {
	case "", "never":
		return Never(), nil
	case "always":
		return Always(), nil
	case "allowlist":
		return Allowlist(providerIDs), nil
	default:
		return nil, fmt.Errorf("unknown interception mode %q", mode)
	}
}
