package codesearch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteCandidate is returned when a decoded candidate lacks a field.
var ErrIncompleteCandidate = errors.New("candidate is incomplete")

// EncodeCandidate serializes a candidate into a queue message body.
func EncodeCandidate(c Candidate) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate: %w", err)
	}
	return data, nil
}

// DecodeCandidate parses a queue message body produced by EncodeCandidate.
func DecodeCandidate(body []byte) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(body, &c); err != nil {
		return Candidate{}, fmt.Errorf("unmarshal candidate: %w", err)
	}
	if !c.IsComplete() {
		return Candidate{}, ErrIncompleteCandidate
	}
	return c, nil
}

// LedgerKeyFor derives the case-normalized ledger key for a candidate.
func LedgerKeyFor(c Candidate, hasher Hasher) (LedgerKey, error) {
	partition, err := hasher.Hash([]byte(strings.ToLower(c.Repository)))
	if err != nil {
		return LedgerKey{}, fmt.Errorf("hash repository: %w", err)
	}
	row, err := hasher.Hash([]byte(strings.ToLower(c.ConnectionString)))
	if err != nil {
		return LedgerKey{}, fmt.Errorf("hash connection string: %w", err)
	}
	return LedgerKey{PartitionKey: partition, RowKey: row}, nil
}
