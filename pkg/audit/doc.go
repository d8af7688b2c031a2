// Package audit records who changed what through the admin API.
//
// # Overview
//
// Middleware wraps the admin mux router and writes one Event per mutating
// request (POST, PUT, DELETE) and per failed or denied request. The action is
// the method plus the matched route template, so "DELETE /subscriptions/{id}"
// groups every subscription removal regardless of ID.
//
// # Destinations
//
//   - FileLogger: JSON lines in <dir>/audit.log with size-based rotation
//   - DBLogger: the webhook_admin_audit table created by the storage schema
//   - MultiLogger: fans out to several destinations
//
// # Usage Example
//
//	fileLog, _ := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: dir, Rotate: true})
//	auditLog := audit.NewMultiLogger(fileLog, dbLog)
//	router.Use(audit.NewMiddleware(auditLog, logger, false).Handler)
//	audit.NewHandlers(auditLog).RegisterRoutes(router)
//
// GET /audit?limit=N returns the newest events first.
//
// # Related Packages
//
//   - pkg/middleware: bearer token auth whose denials are audited
//   - pkg/storage/postgres: schema for the audit table
package audit
