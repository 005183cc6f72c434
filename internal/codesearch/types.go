package codesearch

import (
	"net/http"
	"strings"
	"time"
)

// Candidate is a connection string found on a search result page together
// with the repository it was found in. Two candidates are equal when both
// fields match exactly, so the struct is usable as a map key.
type Candidate struct {
	Repository       string `json:"Repository"`
	ConnectionString string `json:"ConnectionString"`
}

// NewCandidate builds a Candidate from extracted text.
func NewCandidate(repository, connectionString string) Candidate {
	return Candidate{Repository: repository, ConnectionString: connectionString}
}

// IsComplete reports whether both fields carry non-blank text.
func (c Candidate) IsComplete() bool {
	return strings.TrimSpace(c.Repository) != "" && strings.TrimSpace(c.ConnectionString) != ""
}

// Message is one delivery from the durable queue.
type Message struct {
	ID      string
	Receipt string
	Body    []byte
	// Attributes carries transport metadata such as trace context. Only
	// the Pub/Sub backend fills it.
	Attributes map[string]string
}

// LedgerKey addresses one ledger row.
type LedgerKey struct {
	PartitionKey string
	RowKey       string
}

// LedgerRow records a disclosure that has already been made.
type LedgerRow struct {
	Key       LedgerKey
	ID        string
	Value     string
	CreatedAt time.Time
}

// FetchRequest describes one search result page download.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ValidationReason is a low-cardinality code describing a validation outcome.
type ValidationReason string

// Validation reasons attached to every Result.
const (
	ReasonOK                 ValidationReason = "ok"
	ReasonUnparseable        ValidationReason = "unparseable"
	ReasonDevelopmentAccount ValidationReason = "development_account"
	ReasonAuthRejected       ValidationReason = "auth_rejected"
	ReasonServiceError       ValidationReason = "service_error"
	ReasonTimeout            ValidationReason = "timeout"
	ReasonNetwork            ValidationReason = "network"
	ReasonMalformedResponse  ValidationReason = "malformed_response"
	ReasonClientError        ValidationReason = "client_error"
)

// Result is the outcome of exercising a credential against the storage
// service. Every failure mode maps to Valid == false; Reason is for
// observability only.
type Result struct {
	Valid  bool
	Reason ValidationReason
}

// Valid returns the successful Result.
func Valid() Result {
	return Result{Valid: true, Reason: ReasonOK}
}

// Invalid returns a failed Result carrying the given reason.
func Invalid(reason ValidationReason) Result {
	return Result{Valid: false, Reason: reason}
}

// Notice is a disclosure email ready to be delivered.
type Notice struct {
	To      string
	Subject string
	Text    string
}
