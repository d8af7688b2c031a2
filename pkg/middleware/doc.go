// Package middleware provides authentication and rate limiting for the admin API.
//
// AuthMiddleware checks a static bearer token against the configured list:
//
//	router.Use(middleware.NewAuthMiddleware(cfg.Server.AdminTokens).Handler)
//
// RateLimitMiddleware limits event intake per client IP, in process with
// RateLimiter or shared across instances with DistributedRateLimiter:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, rateConfig, "hookrelay:ratelimit")
//	mw := middleware.NewRateLimitMiddleware(limiter, logger)
//	mw.Match = func(r *http.Request) bool { return r.Method == http.MethodPost && r.URL.Path == "/events" }
//	router.Use(mw.Handler)
//
// Limiter errors fail open so a Redis outage never blocks event intake.
package middleware
