// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for hioload-bus.
//
// Provides:
//   - Environment-driven configuration (envconfig, BUS_ prefix)
//   - Prometheus telemetry for sends, receives, drops and pool usage
//   - Probe registration and state export for diagnostics
package control
