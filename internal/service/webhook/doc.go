// Package webhook manages outbound event subscriptions: webhook CRUD,
// matching lifecycle events to subscribers, signing and authenticating
// requests, and recording delivery attempts.
//
// Credentials are encrypted at rest and decrypted just-in-time when a
// delivery job is built. The actual HTTP POSTs run in the webhook worker;
// this package owns everything up to the queue.
package webhook
