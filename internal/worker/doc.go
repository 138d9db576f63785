// Package worker contains the queue consumers: the email worker renders
// and sends campaign messages, the webhook worker POSTs event payloads,
// and the maintenance loop reclaims stalled jobs, completes campaigns,
// and prunes terminal job state.
//
// Workers are worker pools over the durable queue: each goroutine claims,
// processes, and acknowledges one job at a time. Crash safety comes from
// the queue's visibility timeout plus idempotent side effects, not from
// anything the workers persist themselves.
package worker
