// dedup_test.go - Wrap and request id dedup set tests.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapSetSeenOrRecordIsIdempotent(t *testing.T) {
	require := require.New(t)

	ws := NewWrapSet(NewMemoryStore())
	ctx := context.Background()

	seen, err := ws.SeenOrRecord(ctx, "e1", 1700000000)
	require.NoError(err)
	require.False(seen)

	seen, err = ws.SeenOrRecord(ctx, "e1", 1700000000)
	require.NoError(err)
	require.True(seen, "second call with the same id must report seen")

	ok, err := ws.Contains(ctx, "e1")
	require.NoError(err)
	require.True(ok)
}

func TestWrapSetCompactDropsOldEntries(t *testing.T) {
	require := require.New(t)

	ws := NewWrapSet(NewMemoryStore())
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	_, err := ws.SeenOrRecord(ctx, "old", now.Add(-72*time.Hour).Unix())
	require.NoError(err)
	_, err = ws.SeenOrRecord(ctx, "recent", now.Unix())
	require.NoError(err)

	require.NoError(ws.Compact(ctx, now))

	oldSeen, err := ws.Contains(ctx, "old")
	require.NoError(err)
	require.False(oldSeen, "entry older than WrapRetention must be compacted away")

	recentSeen, err := ws.Contains(ctx, "recent")
	require.NoError(err)
	require.True(recentSeen)
}

func TestRequestSetCursorAdvancesOnCompact(t *testing.T) {
	require := require.New(t)

	now := time.Unix(1700000000, 0)
	rs := NewRequestSet(NewMemoryStore(), now)
	initialCursor := rs.OldestTime()
	require.Equal(now.Add(-RequestCursorWindow).Unix(), initialCursor)

	later := now.Add(time.Hour)
	require.NoError(rs.Compact(context.Background(), later))

	require.Equal(later.Add(-RequestCursorWindow).Unix(), rs.OldestTime(), "cursor must monotonically track the compaction clock")
}

func TestRequestSetContainsRecord(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	rs := NewRequestSet(NewMemoryStore(), time.Unix(1700000000, 0))

	seen, err := rs.Contains(ctx, "req1")
	require.NoError(err)
	require.False(seen)

	require.NoError(rs.Record(ctx, "req1", 1700000000))

	seen, err = rs.Contains(ctx, "req1")
	require.NoError(err)
	require.True(seen)
}

func TestMemoryStoreCheckAndInsertIsAtomic(t *testing.T) {
	require := require.New(t)

	s := NewMemoryStore()
	ctx := context.Background()

	const races = 200
	var wg sync.WaitGroup
	seenCount := make([]bool, races)
	for i := 0; i < races; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen, err := s.CheckAndInsert(ctx, "same-id", 1700000000)
			require.NoError(err)
			seenCount[i] = seen
		}(i)
	}
	wg.Wait()

	notSeen := 0
	for _, seen := range seenCount {
		if !seen {
			notSeen++
		}
	}
	require.Equal(1, notSeen, "exactly one of the concurrent callers must win the race and see not-seen")
}

func TestRequestSetCheckAndRecordIsAtomicAndIdempotent(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	rs := NewRequestSet(NewMemoryStore(), time.Unix(1700000000, 0))

	seen, err := rs.CheckAndRecord(ctx, "req1", 1700000000)
	require.NoError(err)
	require.False(seen)

	seen, err = rs.CheckAndRecord(ctx, "req1", 1700000000)
	require.NoError(err)
	require.True(seen, "second call with the same id must report seen")

	ok, err := rs.Contains(ctx, "req1")
	require.NoError(err)
	require.True(ok)
}

func TestMemoryStoreLen(t *testing.T) {
	require := require.New(t)

	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(s.Insert(ctx, "a", 1))
	require.NoError(s.Insert(ctx, "b", 2))

	n, err := s.Len(ctx)
	require.NoError(err)
	require.Equal(2, n)
}
