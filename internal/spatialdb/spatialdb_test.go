package spatialdb

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jhuapl-boss/spdb/internal/cache"
	"github.com/jhuapl-boss/spdb/internal/keys"
	"github.com/jhuapl-boss/spdb/internal/state"
	"github.com/jhuapl-boss/spdb/pkg/cuboid"
	"github.com/jhuapl-boss/spdb/pkg/morton"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

func TestAlignedGridExactFit(t *testing.T) {
	dim := [3]int{512, 512, 16}
	g := alignedGrid([3]int{0, 0, 0}, [3]int{512, 512, 16}, dim)
	assert.Equal(t, gridRange{0, 1, 0, 1, 0, 1}, g)
}

func TestAlignedGridSpansMultipleCuboids(t *testing.T) {
	dim := [3]int{512, 512, 16}
	// A corner that starts mid-cuboid and an extent that overruns into
	// the next one along y and z; along x it stays inside cuboid 1.
	g := alignedGrid([3]int{600, 20, 5}, [3]int{100, 500, 20}, dim)
	assert.Equal(t, gridRange{xStart: 1, xNum: 1, yStart: 0, yNum: 2, zStart: 0, zNum: 2}, g)
}

func TestMortonListAscendingAndComplete(t *testing.T) {
	g := gridRange{xStart: 0, xNum: 2, yStart: 0, yNum: 2, zStart: 0, zNum: 1}
	out := mortonList(g)
	require.Len(t, out, 4)
	for i := 1; i < len(out); i++ {
		assert.Less(t, out[i-1], out[i])
	}

	want := make(map[uint64]struct{})
	for _, xyz := range [][3]uint64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}} {
		want[morton.XYZToMorton(xyz[0], xyz[1], xyz[2])] = struct{}{}
	}
	for _, m := range out {
		_, ok := want[m]
		assert.True(t, ok, "unexpected morton %d in list", m)
	}
}

func TestMortonListOffsetGrid(t *testing.T) {
	g := gridRange{xStart: 3, xNum: 1, yStart: 5, yNum: 1, zStart: 2, zNum: 1}
	out := mortonList(g)
	require.Len(t, out, 1)
	assert.Equal(t, morton.XYZToMorton(3, 5, 2), out[0])
}

func TestClampRangeWithinBounds(t *testing.T) {
	start, size := clampRange(10, 50, 512)
	assert.Equal(t, 10, start)
	assert.Equal(t, 50, size)
}

func TestClampRangeNegativeOffset(t *testing.T) {
	start, size := clampRange(-5, 20, 512)
	assert.Equal(t, 0, start)
	assert.Equal(t, 20, size)
}

func TestClampRangeOverflow(t *testing.T) {
	start, size := clampRange(500, 50, 512)
	assert.Equal(t, 500, start)
	assert.Equal(t, 12, size)
}

func TestClampRangeFullyOutOfBounds(t *testing.T) {
	start, size := clampRange(600, 50, 512)
	assert.Equal(t, 600, start)
	assert.Equal(t, 0, size)
}

func TestCacheKeyToObjectKeyRoundTrip(t *testing.T) {
	objKey, err := cacheKeyToObjectKey("CACHED-CUBOID&coll&exp&chan&0&3&42")
	require.NoError(t, err)
	assert.Equal(t, keys.ObjectKey("coll&exp&chan", 0, 3, 42, false), objKey)
}

func TestCacheKeyToObjectKeyISO(t *testing.T) {
	objKey, err := cacheKeyToObjectKey("CACHED-CUBOID&ISO&coll&exp&chan&0&3&42")
	require.NoError(t, err)
	assert.Equal(t, keys.ObjectKey("coll&exp&chan", 0, 3, 42, true), objKey)
}

func TestCacheKeyToObjectKeyMalformed(t *testing.T) {
	_, err := cacheKeyToObjectKey("CACHED-CUBOID&too&short")
	assert.Error(t, err)
}

func TestParseWriteKeyCoords(t *testing.T) {
	lookupKey, resolution, m, tVal, err := parseWriteKeyCoords("WRITE-CUBOID&coll&exp&chan&0&3&42&some-uuid")
	require.NoError(t, err)
	assert.Equal(t, "coll&exp&chan", lookupKey)
	assert.Equal(t, 0, resolution)
	assert.Equal(t, uint64(42), m)
	assert.Equal(t, 3, tVal)
}

func TestParseWriteKeyCoordsISO(t *testing.T) {
	lookupKey, resolution, m, tVal, err := parseWriteKeyCoords("WRITE-CUBOID&ISO&coll&exp&chan&1&7&99&some-uuid")
	require.NoError(t, err)
	assert.Equal(t, "coll&exp&chan", lookupKey)
	assert.Equal(t, 1, resolution)
	assert.Equal(t, uint64(99), m)
	assert.Equal(t, 7, tVal)
}

func TestParseWriteKeyCoordsMalformed(t *testing.T) {
	_, _, _, _, err := parseWriteKeyCoords("WRITE-CUBOID&too&short")
	assert.Error(t, err)
}

// fakeCache is an in-memory stand-in for *cache.Cache, following the
// same plain-struct-plus-maps style as internal/objectindex's
// fakeIDIndex.
type fakeCache struct {
	mu    sync.Mutex
	cubes map[string][]byte
	wbuf  map[string][]byte
	dirty map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{cubes: map[string][]byte{}, wbuf: map[string][]byte{}, dirty: map[string]int{}}
}

func (f *fakeCache) CubeExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cubes[key]
	return ok, nil
}

func (f *fakeCache) GetCubes(_ context.Context, keyList []string) ([]cache.CachedCube, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cache.CachedCube, 0, len(keyList))
	for _, k := range keyList {
		blob, ok := f.cubes[k]
		if !ok {
			return nil, fmt.Errorf("fakeCache: missing cached key %q", k)
		}
		out = append(out, cache.CachedCube{Blob: blob})
	}
	return out, nil
}

func (f *fakeCache) PutCubes(_ context.Context, keyList []string, blobs [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, k := range keyList {
		f.cubes[k] = blobs[i]
	}
	return nil
}

func (f *fakeCache) GetCubeFromWriteBuffer(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.wbuf[key]
	if !ok {
		return nil, fmt.Errorf("fakeCache: write-buffer key %q not found", key)
	}
	return blob, nil
}

func (f *fakeCache) GetLatestWriteBufferBlob(_ context.Context, prefix string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []string
	for k := range f.wbuf {
		if strings.HasPrefix(k, prefix+"&") {
			matches = append(matches, k)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Strings(matches)
	return f.wbuf[matches[len(matches)-1]], nil
}

func (f *fakeCache) InsertCubeInWriteBuffer(_ context.Context, baseKey string, t int, morton uint64, blob []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fullKey := fmt.Sprintf("%s&%d&%d&fake-%d", baseKey, t, morton, len(f.wbuf))
	f.wbuf[fullKey] = blob
	return fullKey, nil
}

func (f *fakeCache) GetMissingReadCacheKeys(_ context.Context, lookupKey string, resolution int, timeRange [2]int, mortonList []uint64, iso bool) (missingIdx, cachedIdx []int, allKeys []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := 0
	for t := timeRange[0]; t < timeRange[1]; t++ {
		for _, m := range mortonList {
			k := keys.CachedCuboidKey(lookupKey, resolution, t, m, iso)
			allKeys = append(allKeys, k)
			if _, ok := f.cubes[k]; ok {
				cachedIdx = append(cachedIdx, idx)
			} else {
				missingIdx = append(missingIdx, idx)
			}
			idx++
		}
	}
	return missingIdx, cachedIdx, allKeys, nil
}

func (f *fakeCache) DirtyIncrement(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[prefix]++
	return nil
}

func (f *fakeCache) DirtyDecrement(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[prefix]--
	return nil
}

func (f *fakeCache) DirtyIsDirty(_ context.Context, prefix string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty[prefix] > 0, nil
}

func (f *fakeCache) Close() error { return nil }

// fakePageInWaiter is an in-memory stand-in for *state.PageInChannel:
// Wait blocks until every expected key has been published or the
// channel's already-closed done signal fires, whichever comes first,
// so publications racing ahead of Wait's own setup are never lost.
type fakePageInWaiter struct {
	name string

	mu        sync.Mutex
	remaining map[string]struct{}
	done      chan struct{}
}

func newFakePageInWaiter(name string) *fakePageInWaiter {
	return &fakePageInWaiter{name: name, done: make(chan struct{})}
}

func (w *fakePageInWaiter) Name() string { return w.name }

func (w *fakePageInWaiter) publish(key string) {
	w.mu.Lock()
	delete(w.remaining, key)
	empty := len(w.remaining) == 0
	w.mu.Unlock()
	if empty {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}
}

func (w *fakePageInWaiter) Wait(ctx context.Context, expectedKeys []string, timeout time.Duration) error {
	w.mu.Lock()
	w.remaining = make(map[string]struct{}, len(expectedKeys))
	for _, k := range expectedKeys {
		w.remaining[k] = struct{}{}
	}
	empty := len(w.remaining) == 0
	w.mu.Unlock()
	if empty {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("fakePageInWaiter: timed out waiting for page-in")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakePageInWaiter) Close() error { return nil }

// fakeState is an in-memory stand-in for *state.State.
type fakeState struct {
	mu       sync.Mutex
	locked   map[string]bool
	channels map[string]*fakePageInWaiter
	pageOut  map[string]struct{}
}

func newFakeState() *fakeState {
	return &fakeState{locked: map[string]bool{}, channels: map[string]*fakePageInWaiter{}, pageOut: map[string]struct{}{}}
}

func (f *fakeState) ProjectLocked(_ context.Context, lookupKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[lookupKey], nil
}

func (f *fakeState) CreatePageInChannel(_ context.Context) (state.PageInWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("fake-channel-%d", len(f.channels))
	w := newFakePageInWaiter(name)
	f.channels[name] = w
	return w, nil
}

func (f *fakeState) NotifyPageInComplete(_ context.Context, channel, objectKey string) error {
	f.mu.Lock()
	w := f.channels[channel]
	f.mu.Unlock()
	if w != nil {
		w.publish(objectKey)
	}
	return nil
}

func (f *fakeState) AddToPageOut(_ context.Context, lookupKey string, resolution int, morton uint64, t int) (added, alreadyPresent bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s&%d&%d&%d", lookupKey, resolution, t, morton)
	if _, ok := f.pageOut[key]; ok {
		return false, true, nil
	}
	f.pageOut[key] = struct{}{}
	return true, false, nil
}

func (f *fakeState) RemoveFromPageOut(_ context.Context, lookupKey string, resolution int, morton uint64, t int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pageOut, fmt.Sprintf("%s&%d&%d&%d", lookupKey, resolution, t, morton))
	return nil
}

func (f *fakeState) AddToDelayedWrite(_ context.Context, writeKey, lookupKey string, resolution int, morton uint64, t int) error {
	return nil
}

func (f *fakeState) GetDelayedWriteKeys(_ context.Context) (*state.DelayedWrite, error) {
	return nil, nil
}

func (f *fakeState) Close() error { return nil }

// fakeStore is an in-memory stand-in for *objectstore.Store.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) GetSingleObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("fakeStore: object %q not found", key)
	}
	return blob, nil
}

func (f *fakeStore) PutObjects(_ context.Context, keyList []string, blobs [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, k := range keyList {
		f.objects[k] = blobs[i]
	}
	return nil
}

func (f *fakeStore) AddCuboidToIndex(_ context.Context, lookupKey string, resolution int, objectKey string, version, ingestJob int) error {
	return nil
}

func (f *fakeStore) UpdateIDIndices(_ context.Context, lookupKey string, resolution int, objectKeys []string, idSets [][]uint64, version int) error {
	return nil
}

func (f *fakeStore) CuboidsForID(_ context.Context, lookupKey string, resolution int, id uint64) ([]uint64, error) {
	return nil, nil
}

func (f *fakeStore) IDSetForObject(_ context.Context, objectKey string) ([]uint64, error) {
	return nil, nil
}

func (f *fakeStore) ReserveIDBlock(_ context.Context, lookupKey string, numIDs uint64) (uint64, error) {
	return 0, nil
}

func testImageResource() *resource.Resource {
	ch := resource.Channel{
		Name:           "chan",
		Type:           resource.ChannelImage,
		Datatype:       resource.Uint8,
		BaseResolution: 0,
	}
	cf := resource.CoordFrame{VoxelSize: resource.VoxelSize{X: 1, Y: 1, Z: 1}}
	return resource.New(1, 2, 3, "coll", "exp", cf, ch)
}

func newTestSpatialDB(store *fakeStore) *SpatialDB {
	return &SpatialDB{
		Cache:         newFakeCache(),
		State:         newFakeState(),
		Store:         store,
		Sizes:         resource.NewCuboidSizes(4, 4, 2),
		Logger:        zap.NewNop(),
		PageInTimeout: time.Second,
	}
}

// TestCutoutCacheAndNoCacheAgree drives a real Cutout call through both
// AccessCache (cache miss, page-in, then a cache read) and
// AccessNoCache (straight to the durable store) against the same
// underlying object and checks they decode identically.
func TestCutoutCacheAndNoCacheAgree(t *testing.T) {
	res := testImageResource()
	lookupKey := res.GetLookupKey()

	block, err := cuboid.Create(resource.Uint8, [3]int{4, 4, 2}, nil)
	require.NoError(t, err)
	block.Random(block.Dims(), cuboid.TimeRange{Lo: 0, Hi: 1}, rand.New(rand.NewSource(1)))
	blob, err := block.ToBlosc()
	require.NoError(t, err)

	store := newFakeStore()
	store.objects[keys.ObjectKey(lookupKey, 0, 0, 0, false)] = blob

	sdb := newTestSpatialDB(store)
	ctx := context.Background()
	tr := cuboid.TimeRange{Lo: 0, Hi: 1}

	cached, err := sdb.Cutout(ctx, res, [3]int{0, 0, 0}, [3]int{4, 4, 2}, 0, tr, false, nil, AccessCache)
	require.NoError(t, err)

	uncached, err := sdb.Cutout(ctx, res, [3]int{0, 0, 0}, [3]int{4, 4, 2}, 0, tr, false, nil, AccessNoCache)
	require.NoError(t, err)

	wantBlob, err := cached.ToBlosc()
	require.NoError(t, err)
	gotBlob, err := uncached.ToBlosc()
	require.NoError(t, err)
	assert.Equal(t, wantBlob, gotBlob)
}

// TestWriteCuboidTrimDoesNotAliasAcrossGridCells writes a single input
// block spanning two cuboids along x through the live WriteCuboid
// pipeline, then reads each written cuboid's buffered blob straight
// back (via the prefix scan GetLatestWriteBufferBlob uses, the same
// path readCuboid's dirty check exercises) and checks it matches the
// corresponding slice of the original input exactly. extractInputBlock
// clones the input and calls Trim once per grid cell sharing the same
// backing data; if Trim aliased the pre-trim buffer, an earlier cell's
// Trim could corrupt the slice a later cell reads.
func TestWriteCuboidTrimDoesNotAliasAcrossGridCells(t *testing.T) {
	res := testImageResource()
	lookupKey := res.GetLookupKey()
	ctx := context.Background()

	zero, err := cuboid.Create(resource.Uint8, [3]int{4, 4, 2}, &cuboid.TimeRange{Lo: 0, Hi: 1})
	require.NoError(t, err)
	zeroBlob, err := zero.ToBlosc()
	require.NoError(t, err)

	store := newFakeStore()
	store.objects[keys.ObjectKey(lookupKey, 0, 0, morton.XYZToMorton(0, 0, 0), false)] = zeroBlob
	store.objects[keys.ObjectKey(lookupKey, 0, 0, morton.XYZToMorton(1, 0, 0), false)] = zeroBlob

	sdb := newTestSpatialDB(store)

	data, err := cuboid.Create(resource.Uint8, [3]int{8, 4, 2}, &cuboid.TimeRange{Lo: 0, Hi: 1})
	require.NoError(t, err)
	data.Random(data.Dims(), cuboid.TimeRange{Lo: 0, Hi: 1}, rand.New(rand.NewSource(7)))

	err = sdb.WriteCuboid(ctx, res, [3]int{0, 0, 0}, 0, data, 0, false, false)
	require.NoError(t, err)

	prefix0 := keys.WriteBufferPrefix(lookupKey, 0, 0, morton.XYZToMorton(0, 0, 0), false)
	prefix1 := keys.WriteBufferPrefix(lookupKey, 0, 0, morton.XYZToMorton(1, 0, 0), false)

	blob0, err := sdb.Cache.GetLatestWriteBufferBlob(ctx, prefix0)
	require.NoError(t, err)
	require.NotNil(t, blob0)
	blob1, err := sdb.Cache.GetLatestWriteBufferBlob(ctx, prefix1)
	require.NoError(t, err)
	require.NotNil(t, blob1)

	expected0 := data.Clone()
	require.NoError(t, expected0.Trim(0, 4, 0, 4, 0, 2))
	wantBlob0, err := expected0.ToBlosc()
	require.NoError(t, err)

	expected1 := data.Clone()
	require.NoError(t, expected1.Trim(4, 4, 0, 4, 0, 2))
	wantBlob1, err := expected1.ToBlosc()
	require.NoError(t, err)

	got0, err := cuboid.Create(resource.Uint8, [3]int{4, 4, 2}, &cuboid.TimeRange{Lo: 0, Hi: 1})
	require.NoError(t, err)
	require.NoError(t, got0.FromBlosc([][]byte{blob0}, cuboid.TimeRange{Lo: 0, Hi: 1}, nil))
	gotBlob0, err := got0.ToBlosc()
	require.NoError(t, err)

	got1, err := cuboid.Create(resource.Uint8, [3]int{4, 4, 2}, &cuboid.TimeRange{Lo: 0, Hi: 1})
	require.NoError(t, err)
	require.NoError(t, got1.FromBlosc([][]byte{blob1}, cuboid.TimeRange{Lo: 0, Hi: 1}, nil))
	gotBlob1, err := got1.ToBlosc()
	require.NoError(t, err)

	assert.Equal(t, wantBlob0, gotBlob0)
	assert.Equal(t, wantBlob1, gotBlob1)
	assert.NotEqual(t, gotBlob0, gotBlob1)
}
