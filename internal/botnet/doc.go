// Package botnet defines the graph model, collaborator contracts, and error
// taxonomy shared by the crawl orchestrator, comment scanner, and bot
// heuristic engine.
//
// The graph is append/merge-only: every write is an upsert keyed by a natural
// identity (channel ID, domain name, comment ID, or a composite edge key), and
// soft removal is expressed through the Inactive/Active flags.
package botnet
