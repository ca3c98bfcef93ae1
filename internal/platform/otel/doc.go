// Package otel wires the OpenTelemetry SDK for optional tracing.
package otel
