// Package notify delivers critical issues to external targets.
package notify

import (
	"context"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

// Provider is a notification delivery target.
type Provider interface {
	Name() string
	Send(ctx context.Context, issue model.Issue) error
}
