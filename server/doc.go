// Package server implements the protocol engine of the authorization
// server: resolving authorization requests from their three wire
// representations, driving the authorization flow state machine, and
// dispatching token endpoint grants to the token issuer. The engine is
// transport-agnostic; the root package binds it to HTTP.
package server
