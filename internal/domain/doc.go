// Package domain holds the core entities of the delivery pipeline:
// campaigns, recipients, A/B tests and their variants, webhooks and
// webhook deliveries, SMTP configurations, and lifecycle events.
//
// Types here carry no behavior beyond validation helpers and status
// transition rules. Persistence lives in repository/postgres; queue
// payloads referencing these entities live in internal/queue.
package domain
