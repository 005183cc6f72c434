// Package ledger holds what the ledger backends share: the default table
// name and the rule for acceptable table identifiers.
package ledger

import (
	"fmt"
	"regexp"
)

// DefaultTable is the table of accounts already notified.
const DefaultTable = "notifiedaccounts"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TableName returns name, DefaultTable when name is empty, or an error when
// name is not a plain SQL identifier.
func TableName(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
