// Package storagetest holds the contract suite every storage backend runs.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, store storage.Store)
	}{
		{"append and read", testAppendRead},
		{"append rejects taken sequence", testAppendConflict},
		{"append rejects gap", testAppendGap},
		{"append is all or nothing", testAppendAtomic},
		{"read from offset", testReadFrom},
		{"aggregates are isolated", testIsolation},
		{"snapshot replace", testSnapshotReplace},
		{"snapshot sets next sequence", testSnapshotNext},
		{"list roots", testListRoots},
		{"positions advance monotonically", testPositions},
		{"concurrent appends have one winner", testConcurrentAppend},
		{"append property", testAppendProperty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

func newCover(domain string) book.Cover {
	return book.Cover{Domain: domain, Root: book.NewRoot(), CorrelationID: "corr-1"}
}

// Pages builds count contiguous pages starting at first.
func Pages(first uint64, count int) []book.EventPage {
	pages := make([]book.EventPage, count)
	for i := range pages {
		pages[i] = book.EventPage{
			Sequence: first + uint64(i),
			Event:    book.Payload{Type: "test.event", Value: []byte{byte(first) + byte(i)}},
		}
	}
	return pages
}

func testAppendRead(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")

	require.NoError(t, store.Append(ctx, cover, Pages(0, 2)))
	require.NoError(t, store.Append(ctx, cover, Pages(2, 1)))

	pages, err := store.Read(ctx, cover.Domain, cover.Root, 0)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, page := range pages {
		assert.Equal(t, uint64(i), page.Sequence)
		assert.Equal(t, "test.event", page.Event.Type)
		assert.Equal(t, []byte{byte(i)}, page.Event.Value)
		assert.False(t, page.CreatedAt.IsZero(), "created_at should be stamped")
	}
}

func testAppendConflict(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")

	require.NoError(t, store.Append(ctx, cover, Pages(0, 1)))
	err := store.Append(ctx, cover, Pages(0, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSequenceConflict)
	assert.Equal(t, apperrors.CodeSequenceConflict, apperrors.CodeOf(err))
}

func testAppendGap(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")

	err := store.Append(ctx, cover, Pages(5, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSequenceConflict)

	pages, err := store.Read(ctx, cover.Domain, cover.Root, 0)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func testAppendAtomic(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")

	require.NoError(t, store.Append(ctx, cover, Pages(0, 2)))
	// Overlaps sequence 1 and would extend to 3; nothing may be written.
	err := store.Append(ctx, cover, Pages(1, 3))
	require.Error(t, err)

	pages, err := store.Read(ctx, cover.Domain, cover.Root, 0)
	require.NoError(t, err)
	assert.Len(t, pages, 2)

	nonContiguous := []book.EventPage{Pages(2, 1)[0], Pages(4, 1)[0]}
	err = store.Append(ctx, cover, nonContiguous)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeEventsInvalid, apperrors.CodeOf(err))
}

func testReadFrom(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")
	require.NoError(t, store.Append(ctx, cover, Pages(0, 5)))

	pages, err := store.Read(ctx, cover.Domain, cover.Root, 3)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, uint64(3), pages[0].Sequence)
	assert.Equal(t, uint64(4), pages[1].Sequence)

	pages, err = store.Read(ctx, cover.Domain, cover.Root, 9)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func testIsolation(t *testing.T, store storage.Store) {
	ctx := context.Background()
	order := newCover("order")
	inventory := book.Cover{Domain: "inventory", Root: order.Root}

	require.NoError(t, store.Append(ctx, order, Pages(0, 2)))
	require.NoError(t, store.Append(ctx, inventory, Pages(0, 1)))

	pages, err := store.Read(ctx, inventory.Domain, inventory.Root, 0)
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

func testSnapshotReplace(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")

	snapshot, err := store.ReadSnapshot(ctx, cover.Domain, cover.Root)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	first := book.Snapshot{Sequence: 3, State: book.Payload{Type: "state", Value: []byte("one")}}
	second := book.Snapshot{Sequence: 5, State: book.Payload{Type: "state", Value: []byte("two")}}
	require.NoError(t, store.WriteSnapshot(ctx, cover.Domain, cover.Root, first))
	require.NoError(t, store.WriteSnapshot(ctx, cover.Domain, cover.Root, second))

	snapshot, err = store.ReadSnapshot(ctx, cover.Domain, cover.Root)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(5), snapshot.Sequence)
	assert.Equal(t, []byte("two"), snapshot.State.Value)
}

func testSnapshotNext(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")
	require.NoError(t, store.Append(ctx, cover, Pages(0, 4)))
	require.NoError(t, store.WriteSnapshot(ctx, cover.Domain, cover.Root, book.Snapshot{
		Sequence: 4,
		State:    book.Payload{Type: "state", Value: []byte("folded")},
	}))

	loaded, err := storage.LoadEventBook(ctx, store, cover)
	require.NoError(t, err)
	require.NotNil(t, loaded.Snapshot)
	assert.Empty(t, loaded.Pages)
	assert.Equal(t, uint64(4), loaded.NextSequence())

	require.NoError(t, store.Append(ctx, cover, Pages(4, 1)))
	loaded, err = storage.LoadEventBook(ctx, store, cover)
	require.NoError(t, err)
	assert.Len(t, loaded.Pages, 1)
	assert.Equal(t, uint64(5), loaded.NextSequence())
}

func testListRoots(t *testing.T, store storage.Store) {
	ctx := context.Background()
	a := newCover("order")
	b := newCover("order")
	other := newCover("inventory")
	require.NoError(t, store.Append(ctx, a, Pages(0, 1)))
	require.NoError(t, store.Append(ctx, b, Pages(0, 2)))
	require.NoError(t, store.Append(ctx, other, Pages(0, 1)))

	roots, err := store.ListRoots(ctx, "order")
	require.NoError(t, err)
	assert.ElementsMatch(t, []book.Root{a.Root, b.Root}, roots)
}

func testPositions(t *testing.T, store storage.Store) {
	ctx := context.Background()
	key := storage.PositionKey{Handler: "projector.orders", Domain: "order", Root: book.NewRoot()}

	_, found, err := store.GetPosition(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	advanced, err := store.AdvancePosition(ctx, key, 3)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = store.AdvancePosition(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, advanced, "position must not move backwards")

	advanced, err = store.AdvancePosition(ctx, key, 3)
	require.NoError(t, err)
	assert.False(t, advanced, "same position is a no-op")

	sequence, found, err := store.GetPosition(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(3), sequence)

	other := key
	other.Handler = "saga.fulfillment"
	_, found, err = store.GetPosition(ctx, other)
	require.NoError(t, err)
	assert.False(t, found)
}

func testConcurrentAppend(t *testing.T, store storage.Store) {
	ctx := context.Background()
	cover := newCover("order")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Append(ctx, cover, Pages(0, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperrors.HasCode(err, apperrors.CodeSequenceConflict):
				conflicts++
			default:
				t.Errorf("unexpected append error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

// testAppendProperty checks that any sequence of batch sizes produces a
// gapless log whose length is the batch total.
func testAppendProperty(t *testing.T, store storage.Store) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("batched appends produce a gapless log", prop.ForAll(
		func(sizes []int) bool {
			ctx := context.Background()
			cover := newCover("property")
			var next uint64
			for _, size := range sizes {
				if err := store.Append(ctx, cover, Pages(next, size)); err != nil {
					return false
				}
				next += uint64(size)
			}
			pages, err := store.Read(ctx, cover.Domain, cover.Root, 0)
			if err != nil || uint64(len(pages)) != next {
				return false
			}
			return book.ValidateContiguous(pages, 0) == nil
		},
		gen.SliceOfN(4, gen.IntRange(1, 5)),
	))

	properties.TestingRun(t)
}
