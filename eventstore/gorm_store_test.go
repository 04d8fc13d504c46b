package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"coreflow-backend/database/dbtest"
)

func TestMain(m *testing.M) { dbtest.Main(m) }

func TestGormStoreAppendAndRead(t *testing.T) {
	db := dbtest.Open(t)
	store := NewGormStore(db)
	es := New(store)
	ctx := context.Background()

	_, err := es.Append(ctx, order, 0, NewEvent{Type: "order.created", Payload: map[string]string{"total": "5.00"}})
	require.NoError(t, err)
	_, err = es.Append(ctx, order, 0, NewEvent{Type: "order.created"})
	require.ErrorIs(t, err, ErrVersionConflict)

	v, err := store.Version(ctx, "order", "o-1")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	all, err := es.ReadAll(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "acme", all[0].TenantID)
	require.JSONEq(t, `{"total":"5.00"}`, string(all[0].Payload))

	require.NoError(t, store.SaveCheckpoint(ctx, "ledger", 5))
	require.NoError(t, store.SaveCheckpoint(ctx, "ledger", 3))
	cp, err := store.Checkpoint(ctx, "ledger")
	require.NoError(t, err)
	require.Equal(t, int64(5), cp)
}

func TestGormStoreConcurrentAppendHasOneWinner(t *testing.T) {
	db := dbtest.Open(t)
	es := New(NewGormStore(db))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := es.Append(ctx, order, 0, NewEvent{Type: "order.created"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrVersionConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, 7, conflicts)
}

func TestGormStoreSnapshots(t *testing.T) {
	db := dbtest.Open(t)
	es := New(NewGormStore(db))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := es.AppendNext(ctx, order, NewEvent{Type: "order.touched"})
		require.NoError(t, err)
	}
	require.NoError(t, es.SaveSnapshot(ctx, order, 2, counter{Count: 2}))
	_, err := es.AppendNext(ctx, order, NewEvent{Type: "order.touched"})
	require.NoError(t, err)

	var st counter
	version, replayed, err := es.Rehydrate(ctx, "order", "o-1", &st, countEvents)
	require.NoError(t, err)
	require.Equal(t, 3, version)
	require.Equal(t, 1, replayed)
	require.Equal(t, 3, st.Count)
}
