// Package storageacct parses Azure Storage connection strings.
package storageacct

import (
	"errors"
	"fmt"
	"strings"
)

// DevelopmentAccountName is the well-known account of the local storage emulator.
const DevelopmentAccountName = "devstoreaccount1"

const (
	defaultProtocol       = "https"
	defaultEndpointSuffix = "core.windows.net"
	keyPrefixLength       = 7
)

var (
	// ErrEmpty is returned for a blank connection string.
	ErrEmpty = errors.New("connection string is empty")
	// ErrMissingAccount is returned when AccountName or AccountKey is absent.
	ErrMissingAccount = errors.New("connection string lacks account name or key")
)

// Account is a parsed storage connection string.
type Account struct {
	Protocol       string
	Name           string
	Key            string
	EndpointSuffix string
	BlobEndpoint   string
	Development    bool
}

var knownKeys = map[string]struct{}{
	"defaultendpointsprotocol": {},
	"accountname":              {},
	"accountkey":               {},
	"endpointsuffix":           {},
	"blobendpoint":             {},
	"queueendpoint":            {},
	"tableendpoint":            {},
	"fileendpoint":             {},
	"sharedaccesssignature":    {},
	"usedevelopmentstorage":    {},
}

// Parse decodes a Key=Value;... connection string. Keys are matched
// case-insensitively; unknown keys make the string unparseable.
func Parse(raw string) (Account, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Account{}, ErrEmpty
	}

	fields := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Account{}, fmt.Errorf("segment %q has no '='", truncate(pair))
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if _, known := knownKeys[name]; !known {
			return Account{}, fmt.Errorf("unknown setting %q", truncate(name))
		}
		if _, dup := fields[name]; dup {
			return Account{}, fmt.Errorf("duplicate setting %q", name)
		}
		fields[name] = strings.TrimSpace(value)
	}

	if strings.EqualFold(fields["usedevelopmentstorage"], "true") {
		return Account{
			Protocol:    "http",
			Name:        DevelopmentAccountName,
			Development: true,
		}, nil
	}

	acct := Account{
		Protocol:       fields["defaultendpointsprotocol"],
		Name:           fields["accountname"],
		Key:            fields["accountkey"],
		EndpointSuffix: fields["endpointsuffix"],
		BlobEndpoint:   fields["blobendpoint"],
	}
	if acct.Name == "" || acct.Key == "" {
		return Account{}, ErrMissingAccount
	}
	if acct.Protocol == "" {
		acct.Protocol = defaultProtocol
	}
	acct.Protocol = strings.ToLower(acct.Protocol)
	if acct.Protocol != "http" && acct.Protocol != "https" {
		return Account{}, fmt.Errorf("unsupported protocol %q", acct.Protocol)
	}
	if acct.EndpointSuffix == "" {
		acct.EndpointSuffix = defaultEndpointSuffix
	}
	acct.Development = strings.EqualFold(acct.Name, DevelopmentAccountName)
	return acct, nil
}

// IsDevelopment reports whether the account targets the local emulator.
func (a Account) IsDevelopment() bool {
	return a.Development || strings.EqualFold(a.Name, DevelopmentAccountName)
}

// BlobServiceURL returns the blob endpoint with a trailing slash.
func (a Account) BlobServiceURL() string {
	if a.BlobEndpoint != "" {
		if strings.HasSuffix(a.BlobEndpoint, "/") {
			return a.BlobEndpoint
		}
		return a.BlobEndpoint + "/"
	}
	suffix := a.EndpointSuffix
	if suffix == "" {
		suffix = defaultEndpointSuffix
	}
	protocol := a.Protocol
	if protocol == "" {
		protocol = defaultProtocol
	}
	return fmt.Sprintf("%s://%s.blob.%s/", protocol, a.Name, suffix)
}

// KeyPrefix returns the first characters of the account key, enough for the
// owner to recognise the credential without repeating it.
func (a Account) KeyPrefix() string {
	if len(a.Key) <= keyPrefixLength {
		return a.Key
	}
	return a.Key[:keyPrefixLength]
}

// truncate keeps error messages from echoing long secret material.
func truncate(s string) string {
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}
