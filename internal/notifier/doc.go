// Package notifier delivers due reminders to their owners.
//
// Service wraps a transport Sender with a token-bucket rate limit, a per-call
// timeout and panic recovery, so a failing or slow transport surfaces as an
// ordinary error to the scheduler. It keeps a small in-memory history of
// recent deliveries for operator visibility.
package notifier
