// Package storage defines the transient persistence capability of the
// authorization server: authorization requests, single-use authorization
// codes, durable (client, subject) authorizations, refresh token state and
// assertion replay markers. It supports multiple backend implementations,
// including in-memory and Valkey.
package storage
