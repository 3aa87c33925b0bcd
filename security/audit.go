package security

import (
	"context"
	"log/slog"
)

// Auditor emits structured audit events for security-relevant decisions.
// Events go through slog so deployments route them with their normal log
// pipeline.
type Auditor struct {
	logger *slog.Logger
}

// NewAuditor creates an auditor. A nil logger uses slog.Default().
func NewAuditor(logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger.With("component", "audit")}
}

// TokenIssued records a successful token issuance.
func (a *Auditor) TokenIssued(ctx context.Context, clientID, grantType, subject string) {
	a.logger.InfoContext(ctx, "Token issued",
		"event", "token_issued",
		"client_id", clientID,
		"grant_type", grantType,
		"subject", subject,
	)
}

// AuthorizationGranted records a completed authorization flow.
func (a *Auditor) AuthorizationGranted(ctx context.Context, clientID, subject string, scope []string) {
	a.logger.InfoContext(ctx, "Authorization granted",
		"event", "authorization_granted",
		"client_id", clientID,
		"subject", subject,
		"scope", scope,
	)
}

// ReplayDetected records reuse of a single-use artifact. kind is one of
// "authorization_code", "refresh_token" or "assertion".
func (a *Auditor) ReplayDetected(ctx context.Context, kind, clientID string) {
	a.logger.WarnContext(ctx, "Replay detected",
		"event", "replay_detected",
		"kind", kind,
		"client_id", clientID,
	)
}

// ClientAuthFailed records a failed client authentication attempt.
func (a *Auditor) ClientAuthFailed(ctx context.Context, clientID, reason string) {
	a.logger.WarnContext(ctx, "Client authentication failed",
		"event", "client_auth_failed",
		"client_id", clientID,
		"reason", reason,
	)
}

// RateLimited records a request rejected by the rate limiter.
func (a *Auditor) RateLimited(ctx context.Context, key, endpoint string) {
	a.logger.WarnContext(ctx, "Request rate limited",
		"event", "rate_limited",
		"key", key,
		"endpoint", endpoint,
	)
}
