// Package codesearch defines the types and interfaces shared by the scraper
// and notifier binaries: the Candidate value, its queue encoding, the ledger
// key function, and the collaborator contracts each worker depends on.
package codesearch
