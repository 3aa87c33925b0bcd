// Package security groups the security utilities of the authorization
// server: secure random token generation, structured audit events for
// security-relevant decisions, and per-client rate limiting.
package security
