// Package faultgate provides the shared types used by the policy engines
// in this module: the error values a decorated call may return, and the
// Future and Scheduler shapes used by the future adapter and async retry.
// The call outcome vocabulary lives in package window and the event
// record shape in package eventbus.
//
// The policy engines themselves live in sibling packages (circuitbreaker,
// ratelimiter, bulkhead, retry), each depending on this package but not on
// each other. The adapter packages compose a policy (or a chain of them)
// onto a synchronous callable, a future, or a push-based stream.
package faultgate
