package membership

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/coord"
)

func newTracker(t *testing.T, cooldown time.Duration) (*miniredis.Miniredis, *Tracker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewTracker(rdb, cooldown)
}

func TestJoinLeaveCount(t *testing.T) {
	_, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	n, err := tr.Join(ctx, "R1", "p1:a", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = tr.Join(ctx, "R1", "p1:b", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// joining twice does not double count
	n, err = tr.Join(ctx, "R1", "p1:b", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = tr.Leave(ctx, "R1", "p1:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// duplicate leave is a no-op
	n, err = tr.Leave(ctx, "R1", "p1:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = tr.Count(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCountNeverNegative(t *testing.T) {
	_, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	n, err := tr.Leave(ctx, "R1", "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = tr.Count(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestConcurrentJoinsAndLeaves(t *testing.T) {
	_, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("p1:%d", i)
			_, err := tr.Join(ctx, "R1", id, nil)
			assert.NoError(t, err)
			if i%2 == 0 {
				_, err = tr.Leave(ctx, "R1", id)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := tr.Count(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestLastLeaveSetsCooldown(t *testing.T) {
	mr, tr := newTracker(t, 2*time.Hour)
	ctx := context.Background()

	_, err := mr.RPush(coord.LogKey("R1"), `{"strokeId":"s1"}`)
	require.NoError(t, err)

	_, err = tr.Join(ctx, "R1", "p1:a", nil)
	require.NoError(t, err)
	_, err = tr.Join(ctx, "R1", "p1:b", nil)
	require.NoError(t, err)

	_, err = tr.Leave(ctx, "R1", "p1:a")
	require.NoError(t, err)

	n, err := tr.Leave(ctx, "R1", "p1:b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// history survives the last leave, with the cooldown as its lifetime
	assert.True(t, mr.Exists(coord.LogKey("R1")))
	assert.Equal(t, 2*time.Hour, mr.TTL(coord.LogKey("R1")))

	mr.FastForward(2*time.Hour + time.Second)
	assert.False(t, mr.Exists(coord.LogKey("R1")))
}

func TestOccupiedRoomNeverExpires(t *testing.T) {
	mr, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	_, err := mr.RPush(coord.LogKey("R1"), `{"strokeId":"s1"}`)
	require.NoError(t, err)
	_, err = tr.Join(ctx, "R1", "p1:a", nil)
	require.NoError(t, err)

	mr.FastForward(25 * time.Hour)

	assert.True(t, mr.Exists(coord.LogKey("R1")))
	n, err := tr.Join(ctx, "R1", "p1:b", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestJoinCancelsCooldown(t *testing.T) {
	mr, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	_, err := mr.RPush(coord.LogKey("R1"), `{"strokeId":"s1"}`)
	require.NoError(t, err)
	require.NoError(t, mr.Set(coord.SeqKey("R1"), "1"))

	_, err = tr.Join(ctx, "R1", "p1:a", nil)
	require.NoError(t, err)
	_, err = tr.Leave(ctx, "R1", "p1:a")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(coord.LogKey("R1")))
	assert.Equal(t, time.Hour, mr.TTL(coord.SeqKey("R1")))

	mr.FastForward(30 * time.Minute)
	_, err = tr.Join(ctx, "R1", "p1:b", nil)
	require.NoError(t, err)
	for _, key := range coord.RoomKeys("R1") {
		assert.Equal(t, time.Duration(0), mr.TTL(key), key)
	}

	mr.FastForward(2 * time.Hour)
	assert.True(t, mr.Exists(coord.LogKey("R1")))
}

func TestJoinPrunesStaleLocalMembers(t *testing.T) {
	_, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"p1:gone", "p1:live", "p2:remote"} {
		_, err := tr.Join(ctx, "R1", id, nil)
		require.NoError(t, err)
	}

	held := map[string]bool{"p1:live": true}
	stale := func(id string) bool {
		return strings.HasPrefix(id, "p1:") && !held[id]
	}

	n, err := tr.Join(ctx, "R1", "p1:new", stale)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	members, err := tr.Members(ctx, "R1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1:live", "p2:remote", "p1:new"}, members)
}

func TestPurge(t *testing.T) {
	mr, tr := newTracker(t, time.Hour)
	ctx := context.Background()

	_, err := tr.Join(ctx, "R1", "p1:a", nil)
	require.NoError(t, err)
	_, err = mr.RPush(coord.LogKey("R1"), `{"strokeId":"s1"}`)
	require.NoError(t, err)

	require.NoError(t, mr.Set(coord.SeqKey("R1"), "1"))

	require.NoError(t, tr.Purge(ctx, "R1"))
	for _, key := range coord.RoomKeys("R1") {
		assert.False(t, mr.Exists(key), key)
	}
}

func TestStoreUnavailable(t *testing.T) {
	mr, tr := newTracker(t, time.Hour)
	mr.Close()

	_, err := tr.Join(context.Background(), "R1", "p1:a", nil)
	assert.ErrorIs(t, err, coord.ErrUnavailable)

	_, err = tr.Leave(context.Background(), "R1", "p1:a")
	assert.ErrorIs(t, err, coord.ErrUnavailable)
}
