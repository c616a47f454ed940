// Package throttle rate-limits outbound status publishes.
//
// Each reporting stream owns one Throttle. A send passes two gates in order:
//
//  1. Gate.IsConnected() must be true, else Skipped(NotConnected).
//  2. More than the cooldown must have passed since the last successful
//     send, else Skipped(RateLimited). A send at exactly the cooldown is
//     still limited.
//
// Skipped sends are never queued or retried; the next natural trigger tries again.
// Successful sends are also booked on a golang.org/x/time/rate limiter with
// burst 1; the gate decision uses exact durations.
package throttle
