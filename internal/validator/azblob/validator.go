// Package azblobvalidator confirms storage credentials with a single
// read-only list containers call against the account's blob endpoint.
package azblobvalidator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/storageacct"
	"github.com/JakeFAU/codesearch/internal/telemetry"
)

const defaultTimeout = 10 * time.Second

// Config controls the validator.
type Config struct {
	// Timeout bounds one validation call.
	Timeout time.Duration
	// Transport overrides the HTTP client used by the SDK.
	Transport policy.Transporter
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Validator implements codesearch.Validator against Azure Blob Storage.
type Validator struct {
	timeout   time.Duration
	transport policy.Transporter
	tracer    trace.Tracer
}

var _ codesearch.Validator = (*Validator)(nil)

// New creates a Validator.
func New(cfg Config) *Validator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Validator{timeout: timeout, transport: cfg.Transport, tracer: telemetry.Tracer(cfg.TracerProvider)}
}

// Validate lists at most one container. Any failure is reported as Invalid
// with a reason; the listing itself is discarded.
func (v *Validator) Validate(ctx context.Context, account storageacct.Account) codesearch.Result {
	ctx, span := v.tracer.Start(ctx, "azblob.Validate", trace.WithAttributes(
		attribute.String("storage.account", account.Name),
	))
	defer span.End()

	result := v.validate(ctx, account)
	span.SetAttributes(
		attribute.Bool("validation.valid", result.Valid),
		attribute.String("validation.reason", string(result.Reason)),
	)
	return result
}

func (v *Validator) validate(ctx context.Context, account storageacct.Account) codesearch.Result {
	if account.IsDevelopment() {
		return codesearch.Invalid(codesearch.ReasonDevelopmentAccount)
	}
	cred, err := azblob.NewSharedKeyCredential(account.Name, account.Key)
	if err != nil {
		return codesearch.Invalid(codesearch.ReasonUnparseable)
	}

	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: -1},
	}}
	if v.transport != nil {
		opts.Transport = v.transport
	}
	client, err := azblob.NewClientWithSharedKeyCredential(account.BlobServiceURL(), cred, opts)
	if err != nil {
		return codesearch.Invalid(codesearch.ReasonClientError)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	pager := client.NewListContainersPager(&azblob.ListContainersOptions{MaxResults: to.Ptr[int32](1)})
	if _, err := pager.NextPage(ctx); err != nil {
		return codesearch.Invalid(classify(err))
	}
	return codesearch.Valid()
}

func classify(err error) codesearch.ValidationReason {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return codesearch.ReasonAuthRejected
		default:
			return codesearch.ReasonServiceError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codesearch.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return codesearch.ReasonTimeout
		}
		return codesearch.ReasonNetwork
	}
	// The SDK flattens body decoding failures into plain errors.
	return codesearch.ReasonMalformedResponse
}
