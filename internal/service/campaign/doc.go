// Package campaign implements campaign lifecycle management and the
// batching engine that turns a campaign into durable email jobs.
//
// The service layer depends on repository interfaces defined in this
// package and should never import from api/. Repository implementations
// live in repository/postgres/.
package campaign
