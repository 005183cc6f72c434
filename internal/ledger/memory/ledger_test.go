package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/hash/sha1"
)

func TestLedgerInsertIsIdempotentAcrossCase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Ensure(ctx))

	hasher := sha1.New()
	first, err := codesearch.LedgerKeyFor(codesearch.NewCandidate("alice/proj", "DefaultEndpointsProtocol=https;AccountName=foo;AccountKey=abcd=="), hasher)
	require.NoError(t, err)
	second, err := codesearch.LedgerKeyFor(codesearch.NewCandidate("Alice/Proj", "defaultendpointsprotocol=https;accountname=foo;accountkey=ABCD=="), hasher)
	require.NoError(t, err)

	_, ok, err := l.Get(ctx, first)
	require.NoError(t, err)
	require.False(t, ok)

	row := codesearch.LedgerRow{Key: first, ID: "id-1", Value: "{}", CreatedAt: time.Unix(1, 0).UTC()}
	require.NoError(t, l.Insert(ctx, row))
	require.ErrorIs(t, l.Insert(ctx, codesearch.LedgerRow{Key: second, ID: "id-2"}), codesearch.ErrRowExists)

	got, ok, err := l.Get(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, row, got)
	require.Equal(t, 1, l.Len())
}

func TestLedgerConcurrentInsertSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()
	key := codesearch.LedgerKey{PartitionKey: "p", RowKey: "r"}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Insert(ctx, codesearch.LedgerRow{Key: key}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
