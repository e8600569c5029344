// Package logging provides structured logging with OpenTelemetry integration.
//
// The Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - correlation fields taken from the context (trace, user, client, request)
//   - redaction of secret-looking fields and values
//   - level-aware sampling (errors are never sampled)
//
// Log with context:
//
//	ctx = identity.WithJobContext(ctx, identity.JobContext{UserID: "u1", ClientID: "web"})
//	logger.Info(ctx, "context served", zap.String("strategy", "targeted_search"))
//
// Output:
//
//	{"ts":"...","level":"info","msg":"context served","user.id":"u1","client.id":"web","strategy":"targeted_search"}
//
// Background jobs re-bind their JobContext onto a fresh context, so the same
// fields appear on job logs without any global state.
package logging
