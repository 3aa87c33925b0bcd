// Package oidc assembles OpenID Connect ID token claims. Claims handlers are
// gated on granted scopes and contribute claims independently; the builder
// merges their output and computes the c_hash, at_hash and subject
// identifier values that bind an ID token to its sibling artifacts.
package oidc
