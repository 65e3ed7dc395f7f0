// Package health gates remote-backend eligibility with a circuit breaker.
//
// The Tracker is pure bookkeeping: the executor reports each remote
// outcome (RecordSuccess, RecordFailure, RecordRateLimited) and asks
// AllowRemote before every dispatch.
//
// State machine:
//
//	healthy ──N consecutive failures──▶ cooling_down
//	cooling_down ──cooldown elapsed + probe success──▶ healthy
//	cooling_down ──probe failure──▶ cooling_down (window re-armed)
//
// The breaker is global per backend: once open, every session uses local
// mode, not only the session that observed the failures. Rate limits are a
// softer signal tracked on a separate counter; they never trip the breaker.
package health
