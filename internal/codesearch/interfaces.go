package codesearch

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JakeFAU/codesearch/internal/storageacct"
)

var (
	// ErrRowExists is returned by Ledger.Insert when the key is already present.
	ErrRowExists = errors.New("ledger row already exists")
	// ErrAccountNotFound is returned by IdentityResolver when the platform
	// has no such account.
	ErrAccountNotFound = errors.New("account not found")
)

// Fetcher downloads one search result page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns one result page into candidates.
type Extractor interface {
	IdentifyConnectionStrings(page io.Reader) ([]Candidate, error)
}

// Validator exercises a parsed credential against the live storage service.
type Validator interface {
	Validate(ctx context.Context, account storageacct.Account) Result
}

// Queue is the at-least-once channel between the two workers.
type Queue interface {
	// Ensure creates the queue if it does not exist yet.
	Ensure(ctx context.Context) error
	Enqueue(ctx context.Context, body []byte) error
	// Receive returns false when no message is currently available.
	Receive(ctx context.Context) (Message, bool, error)
	Delete(ctx context.Context, msg Message) error
}

// Ledger is the permanent record of disclosures already made.
type Ledger interface {
	// Ensure creates the backing table if it does not exist yet.
	Ensure(ctx context.Context) error
	Get(ctx context.Context, key LedgerKey) (LedgerRow, bool, error)
	// Insert fails with ErrRowExists when the key is already present.
	Insert(ctx context.Context, row LedgerRow) error
}

// IdentityResolver finds a contact email for a platform account.
type IdentityResolver interface {
	// ResolveEmail returns "" without error when the account exists but no
	// address can be found.
	ResolveEmail(ctx context.Context, login string) (string, error)
}

// Mailer delivers disclosure notices.
type Mailer interface {
	Send(ctx context.Context, notice Notice) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes digests for ledger keys and archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs.
type IDGenerator interface {
	NewID() (string, error)
}
