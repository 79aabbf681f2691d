package distributed

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cascache/common"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) common.MachineLocation {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()
	return common.MachineLocation(addr)
}

func quietSettings() common.Settings {
	settings := common.DefaultSettings()
	settings.ReplicationInterval = 0 // no background loop unless a test wants one
	settings.InterCopyDelay = 0
	settings.DialTimeout = 2 * time.Second
	return settings
}

func newTestSession(t *testing.T, mr *miniredis.Miniredis, addr common.MachineLocation, root string, settings common.Settings) *Session {
	t.Helper()
	session, err := NewSession(Config{
		Addr:         addr,
		RedisOptions: &redis.Options{Addr: mr.Addr()},
		Root:         root,
		ScratchRoot:  t.TempDir(),
		Settings:     settings,
	})
	require.NoError(t, err)
	return session
}

func startSession(t *testing.T, mr *miniredis.Miniredis, root string, settings common.Settings) *Session {
	t.Helper()
	session := newTestSession(t, mr, freeAddr(t), root, settings)
	require.NoError(t, session.Startup(context.Background()))
	t.Cleanup(func() { session.Shutdown(context.Background()) })
	return session
}

func seedLocal(t *testing.T, session *Session, data []byte) common.ContentHash {
	t.Helper()
	hash := common.HashContent(data)
	scratch := filepath.Join(t.TempDir(), "seed.tmp")
	require.NoError(t, os.WriteFile(scratch, data, 0644))
	_, err := session.local.AcceptPush(context.Background(), hash, scratch)
	require.NoError(t, err)
	return hash
}

func TestEvictionAgeGate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	session := newTestSession(t, mr, "machine-a:7070", t.TempDir(), quietSettings())

	now := time.Now()
	oldHash := common.HashContent([]byte("stale"))
	newHash := common.HashContent([]byte("recent"))
	unknown := common.HashContent([]byte("untracked"))

	mr.ZAdd("cas:locations:"+oldHash.String(), float64(now.Add(-30*time.Minute).UnixMilli()), "machine-b:7070")
	mr.ZAdd("cas:locations:"+newHash.String(), float64(now.Add(-time.Minute).UnixMilli()), "machine-b:7070")

	ok, _ := session.CanAcceptContent(ctx, oldHash)
	assert.True(t, ok, "everything is admitted before any eviction happened")

	require.NoError(t, session.UnregisterFromTracker(ctx, nil, 10*time.Minute))
	assert.WithinDuration(t, now.Add(-10*time.Minute), session.EvictionWatermark(), time.Second)

	ok, reason := session.CanAcceptContent(ctx, oldHash)
	assert.False(t, ok, "content effectively older than the watermark would be evicted right back out")
	assert.Equal(t, common.RejectionOlderThanEvicted, reason)

	ok, _ = session.CanAcceptContent(ctx, newHash)
	assert.True(t, ok, "content newer than the watermark passes")

	ok, _ = session.CanAcceptContent(ctx, unknown)
	assert.True(t, ok, "hashes the tracker does not know pass the age rule")
}

func TestEvictionAgeGateDisabled(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	settings := quietSettings()
	settings.RejectOlderThanEvicted = false
	session := newTestSession(t, mr, "machine-a:7070", t.TempDir(), settings)

	oldHash := common.HashContent([]byte("stale"))
	mr.ZAdd("cas:locations:"+oldHash.String(), float64(time.Now().Add(-time.Hour).UnixMilli()), "machine-b:7070")
	require.NoError(t, session.UnregisterFromTracker(ctx, nil, 10*time.Minute))

	ok, _ := session.CanAcceptContent(ctx, oldHash)
	assert.True(t, ok)
}

func TestUnregisterFiltersStillContainedContent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	session := newTestSession(t, mr, "machine-a:7070", t.TempDir(), quietSettings())
	require.NoError(t, session.local.Startup(ctx))

	kept := seedLocal(t, session, []byte("kept"))
	gone := common.HashContent([]byte("gone"))
	require.NoError(t, session.RegisterLocal(ctx, kept, 4))
	require.NoError(t, session.RegisterLocal(ctx, gone, 4))

	require.NoError(t, session.UnregisterFromTracker(ctx, []common.ContentHash{kept, gone}, 0))

	entries, err := session.Locations(ctx, []common.ContentHash{kept, gone})
	require.NoError(t, err)
	assert.Equal(t, []common.MachineLocation{"machine-a:7070"}, entries[0].Locations,
		"content re-added before unregistration ran keeps its registration")
	assert.Empty(t, entries[1].Locations)

	assert.True(t, session.EvictionWatermark().IsZero(), "no eviction age means no watermark movement")
}

func TestPushContentReplicatesToPeer(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	settings := quietSettings()

	source := startSession(t, mr, t.TempDir(), settings)
	target := startSession(t, mr, t.TempDir(), settings)

	data := []byte("replicate me across the cluster")
	hash := seedLocal(t, source, data)
	require.NoError(t, source.RegisterLocal(ctx, hash, int64(len(data))))

	result := source.PushContent(ctx, hash, []common.MachineLocation{source.Addr()})
	require.True(t, result.Succeeded(), "push failed: %s", result.ErrorMessage)

	assert.True(t, target.local.Contains(ctx, hash))
	entries, err := source.Locations(ctx, []common.ContentHash{hash})
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.MachineLocation{source.Addr(), target.Addr()}, entries[0].Locations)
}

func TestPushContentWithNoEligiblePeers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	session := startSession(t, mr, t.TempDir(), quietSettings())

	hash := seedLocal(t, session, []byte("lonely"))
	result := session.PushContent(ctx, hash, nil)
	assert.Equal(t, common.CopyNotFound, result.Code, "a single-machine cluster has nowhere to replicate")
}

func TestDeletePropagatesAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	settings := quietSettings()

	origin := startSession(t, mr, t.TempDir(), settings)
	replica := startSession(t, mr, t.TempDir(), settings)

	data := []byte("short lived artifact")
	hash := seedLocal(t, origin, data)
	require.NoError(t, origin.RegisterLocal(ctx, hash, int64(len(data))))
	require.True(t, origin.PushContent(ctx, hash, []common.MachineLocation{origin.Addr()}).Succeeded())

	results, err := origin.Delete(ctx, hash, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[replica.Addr()])

	assert.False(t, origin.local.Contains(ctx, hash))
	assert.False(t, replica.local.Contains(ctx, hash))
	entries, err := origin.Locations(ctx, []common.ContentHash{hash})
	require.NoError(t, err)
	assert.Empty(t, entries[0].Locations)
}

func TestDeleteLocalOnlyLeavesReplicasAlone(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	settings := quietSettings()

	origin := startSession(t, mr, t.TempDir(), settings)
	replica := startSession(t, mr, t.TempDir(), settings)

	data := []byte("kept elsewhere")
	hash := seedLocal(t, origin, data)
	require.NoError(t, origin.RegisterLocal(ctx, hash, int64(len(data))))
	require.True(t, origin.PushContent(ctx, hash, []common.MachineLocation{origin.Addr()}).Succeeded())

	results, err := origin.Delete(ctx, hash, true)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.False(t, origin.local.Contains(ctx, hash))
	assert.True(t, replica.local.Contains(ctx, hash))
}

func TestDeleteStopsWhenLocalDeleteFails(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	session := startSession(t, mr, t.TempDir(), quietSettings())

	_, err := session.Delete(ctx, common.HashContent([]byte("absent")), false)
	assert.Error(t, err)
}

func TestHandleCopyRequest(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	settings := quietSettings()

	source := startSession(t, mr, t.TempDir(), settings)
	requester := startSession(t, mr, t.TempDir(), settings)

	data := []byte("requested artifact bytes")
	hash := seedLocal(t, source, data)
	require.NoError(t, source.RegisterLocal(ctx, hash, int64(len(data))))

	result := requester.HandleCopyRequest(ctx, hash, source.Addr())
	assert.True(t, result.IsAvailable)
	assert.Equal(t, int64(len(data)), result.BytesTransferred)
	assert.True(t, requester.local.Contains(ctx, hash))

	entries, err := source.Locations(ctx, []common.ContentHash{hash})
	require.NoError(t, err)
	assert.Contains(t, entries[0].Locations, requester.Addr())

	again := requester.HandleCopyRequest(ctx, hash, source.Addr())
	assert.True(t, again.IsAvailable)
	assert.Zero(t, again.BytesTransferred, "already held content needs no transfer")
}

func TestFetchContentFromPeer(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	settings := quietSettings()

	source := startSession(t, mr, t.TempDir(), settings)
	consumer := startSession(t, mr, t.TempDir(), settings)

	data := []byte("fetch these bytes")
	hash := seedLocal(t, source, data)
	require.NoError(t, source.RegisterLocal(ctx, hash, int64(len(data))))

	var dst bytes.Buffer
	result := consumer.FetchContent(ctx, hash, &dst)
	require.True(t, result.Succeeded(), "fetch failed: %s", result.ErrorMessage)
	assert.Equal(t, data, dst.Bytes())

	missing := consumer.FetchContent(ctx, common.HashContent([]byte("absent")), &dst)
	assert.Equal(t, common.CopyNotFound, missing.Code)
}

func TestInlineReplicationFillsUnderReplicatedContent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	target := startSession(t, mr, t.TempDir(), quietSettings())

	data := []byte("under replicated build output")
	hash := common.HashContent(data)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, hash.String()+".blob"), data, 0644))

	settings := quietSettings()
	settings.InlineReplication = true
	origin := startSession(t, mr, root, settings)

	require.Eventually(t, func() bool {
		return origin.Counters().Succeeded.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "inline iteration must replicate the lone blob")

	assert.True(t, target.local.Contains(ctx, hash))
	assert.EqualValues(t, 1, origin.Counters().Scanned.Load())
	assert.Contains(t, origin.Report(), "Succeeded")
}
