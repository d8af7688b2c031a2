// Package circuitbreaker isolates failing webhook endpoints.
//
// Each endpoint key (the subscriber's target URL) owns a breaker that moves
// between CLOSED, OPEN and HALF_OPEN:
//
//	CLOSED    --FailureThreshold consecutive failures-->  OPEN
//	OPEN      --OpenTimeout elapsed, next CanExecute-->    HALF_OPEN
//	HALF_OPEN --SuccessThreshold successes-->              CLOSED
//	HALF_OPEN --any failure-->                             OPEN
//
// While half-open at most HalfOpenConcurrency trial requests are admitted.
//
// # Usage
//
//	reg := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
//	permit, ok := reg.Acquire(ctx, url)
//	if !ok {
//		return errCircuitOpen
//	}
//	if err := send(); err != nil {
//		reg.Fail(ctx, permit)
//	} else {
//		reg.Succeed(ctx, permit)
//	}
//
// The permit ties an outcome to the half-open trial it was granted for.
// CanExecute, RecordSuccess and RecordFailure work on keys alone; a success
// reported that way frees a trial slot even when its request was admitted
// before the breaker opened.
//
// A StateStore (see pkg/storage/postgres.BreakerStore) makes the breaker
// shared: each operation reloads the key's snapshot and saves it back with a
// version check, so several dispatchers trip and recover one breaker per
// endpoint. Store failures are logged and never alter decisions.
package circuitbreaker
