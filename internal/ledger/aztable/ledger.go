// Package aztable provides the Azure Table Storage ledger, the store used by
// the original deployment.
package aztable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/ledger"
)

// Entity property names.
const (
	propID        = "Id"
	propValue     = "Value"
	propCreatedAt = "CreatedAt"
)

// Config selects the table.
type Config struct {
	ConnectionString string
	Table            string
	ClientOptions    *aztables.ClientOptions
}

// Ledger implements codesearch.Ledger on an Azure table.
type Ledger struct {
	client *aztables.Client
}

var _ codesearch.Ledger = (*Ledger)(nil)

// New builds a Ledger from a storage connection string.
func New(cfg Config) (*Ledger, error) {
	table, err := ledger.TableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, cfg.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("create table service client: %w", err)
	}
	return &Ledger{client: svc.NewClient(table)}, nil
}

// Ensure creates the table if it does not exist.
func (l *Ledger) Ensure(ctx context.Context) error {
	if _, err := l.client.CreateTable(ctx, nil); err != nil && statusCode(err) != http.StatusConflict {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Get point-reads the entity at key.
func (l *Ledger) Get(ctx context.Context, key codesearch.LedgerKey) (codesearch.LedgerRow, bool, error) {
	resp, err := l.client.GetEntity(ctx, key.PartitionKey, key.RowKey, nil)
	if statusCode(err) == http.StatusNotFound {
		return codesearch.LedgerRow{}, false, nil
	}
	if err != nil {
		return codesearch.LedgerRow{}, false, fmt.Errorf("get entity: %w", err)
	}
	row, err := decodeEntity(resp.Value)
	if err != nil {
		return codesearch.LedgerRow{}, false, err
	}
	return row, true, nil
}

// Insert adds the entity; a key already present yields codesearch.ErrRowExists.
func (l *Ledger) Insert(ctx context.Context, row codesearch.LedgerRow) error {
	body, err := encodeEntity(row)
	if err != nil {
		return err
	}
	if _, err := l.client.AddEntity(ctx, body, nil); err != nil {
		if statusCode(err) == http.StatusConflict {
			return codesearch.ErrRowExists
		}
		return fmt.Errorf("add entity: %w", err)
	}
	return nil
}

func encodeEntity(row codesearch.LedgerRow) ([]byte, error) {
	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: row.Key.PartitionKey,
			RowKey:       row.Key.RowKey,
		},
		Properties: map[string]any{
			propID:        row.ID,
			propValue:     row.Value,
			propCreatedAt: aztables.EDMDateTime(row.CreatedAt.UTC()),
		},
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return body, nil
}

func decodeEntity(body []byte) (codesearch.LedgerRow, error) {
	var entity aztables.EDMEntity
	if err := json.Unmarshal(body, &entity); err != nil {
		return codesearch.LedgerRow{}, fmt.Errorf("unmarshal entity: %w", err)
	}
	row := codesearch.LedgerRow{
		Key: codesearch.LedgerKey{PartitionKey: entity.PartitionKey, RowKey: entity.RowKey},
	}
	row.ID, _ = entity.Properties[propID].(string)
	row.Value, _ = entity.Properties[propValue].(string)
	switch created := entity.Properties[propCreatedAt].(type) {
	case aztables.EDMDateTime:
		row.CreatedAt = time.Time(created).UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			row.CreatedAt = t.UTC()
		}
	}
	return row, nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
