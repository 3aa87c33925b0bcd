// Package instrumentation wires OpenTelemetry metrics and tracing into the
// authorization server. Everything defaults to noop providers, so a server
// without an observability pipeline pays nothing.
package instrumentation
