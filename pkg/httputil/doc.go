// Package httputil provides HTTP helpers shared by the admin API and the receiver.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, deliveries)
//	httputil.WriteCreated(w, subscription)
//	httputil.WriteAccepted(w, result)
//	httputil.WriteBadRequest(w, "invalid retry policy")
//	httputil.WriteUnauthorized(w, "invalid signature")
//
// Errors are always written as {"error": "..."}.
//
// # Request Parsing
//
//	var sub webhooks.Subscription
//	if !httputil.ParseJSONOrError(w, r, &sub) {
//		return // 400 already written
//	}
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 50)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
