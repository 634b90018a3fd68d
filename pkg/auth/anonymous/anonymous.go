// Package anonymous provides a strategy that accepts every request as the
// "anonymous" principal. Placed last in a chain it lets unauthenticated
// callers through to operations that only need a principal, while
// permission checks still fail for them.
package anonymous

import (
	"context"

	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
)

// StrategyName is the name under which the strategy is registered.
const StrategyName = "anonymous"

// Subject is the subject of the anonymous principal.
const Subject = "anonymous"

// Strategy always returns the anonymous principal.
type Strategy struct{}

// Name implements auth.Strategy.
func (Strategy) Name() string { return StrategyName }

// Authenticate implements auth.Strategy.
func (Strategy) Authenticate(_ context.Context, _ *service.Context) (*auth.Principal, error) {
	return &auth.Principal{
		Subject:  Subject,
		Strategy: StrategyName,
		Metadata: map[string]string{"tier": "default"},
	}, nil
}
