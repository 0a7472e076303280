// Package spatialdb is the top-level orchestrator: it ties the L1
// cache, L2 write buffer, L3 durable object store, coordination state
// store, and region/key helpers together into the cutout and
// write-cuboid pipelines (spec.md §4.7, grounded on
// original_source/spatialdb/spatialdb.py for the resampling/alignment/
// Morton-list shape, adapted to the three-tier cache architecture).
package spatialdb

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jhuapl-boss/spdb/internal/cache"
	"github.com/jhuapl-boss/spdb/internal/keys"
	"github.com/jhuapl-boss/spdb/internal/objectindex"
	"github.com/jhuapl-boss/spdb/internal/objectstore"
	"github.com/jhuapl-boss/spdb/internal/region"
	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/internal/state"
	"github.com/jhuapl-boss/spdb/pkg/cuboid"
	"github.com/jhuapl-boss/spdb/pkg/morton"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

// AccessMode selects how Cutout satisfies a read.
type AccessMode string

const (
	AccessCache   AccessMode = "cache"
	AccessNoCache AccessMode = "no_cache"
	AccessRaw     AccessMode = "raw"
)

// maxPageInFanOut bounds how many page-in workers run at once per
// Cutout call, so a request spanning a large misaligned region can't
// open one durable-store connection per missing cuboid simultaneously.
const maxPageInFanOut = 8

// cacheStore is the subset of *cache.Cache SpatialDB depends on. It
// exists so tests can substitute an in-memory fake for the L1/L2
// Redis tiers; *cache.Cache satisfies it.
type cacheStore interface {
	CubeExists(ctx context.Context, key string) (bool, error)
	GetCubes(ctx context.Context, keyList []string) ([]cache.CachedCube, error)
	PutCubes(ctx context.Context, keyList []string, blobs [][]byte) error
	GetCubeFromWriteBuffer(ctx context.Context, key string) ([]byte, error)
	GetLatestWriteBufferBlob(ctx context.Context, prefix string) ([]byte, error)
	InsertCubeInWriteBuffer(ctx context.Context, baseKey string, t int, morton uint64, blob []byte) (string, error)
	GetMissingReadCacheKeys(ctx context.Context, lookupKey string, resolution int, timeRange [2]int, mortonList []uint64, iso bool) (missingIdx, cachedIdx []int, allKeys []string, err error)
	DirtyIncrement(ctx context.Context, writeBufferPrefix string) error
	DirtyDecrement(ctx context.Context, writeBufferPrefix string) error
	DirtyIsDirty(ctx context.Context, writeBufferPrefix string) (bool, error)
	Close() error
}

// stateStore is the subset of *state.State SpatialDB depends on;
// *state.State satisfies it.
type stateStore interface {
	ProjectLocked(ctx context.Context, lookupKey string) (bool, error)
	CreatePageInChannel(ctx context.Context) (state.PageInWaiter, error)
	NotifyPageInComplete(ctx context.Context, channel, objectKey string) error
	AddToPageOut(ctx context.Context, lookupKey string, resolution int, morton uint64, t int) (added, alreadyPresent bool, err error)
	RemoveFromPageOut(ctx context.Context, lookupKey string, resolution int, morton uint64, t int) error
	AddToDelayedWrite(ctx context.Context, writeKey, lookupKey string, resolution int, morton uint64, t int) error
	GetDelayedWriteKeys(ctx context.Context) (*state.DelayedWrite, error)
	Close() error
}

// objectStore is the subset of *objectstore.Store SpatialDB depends
// on, plus the objectindex.IDIndex surface it forwards to that
// package; *objectstore.Store satisfies it.
type objectStore interface {
	objectindex.IDIndex
	GetSingleObject(ctx context.Context, key string) ([]byte, error)
	PutObjects(ctx context.Context, keyList []string, blobs [][]byte) error
	AddCuboidToIndex(ctx context.Context, lookupKey string, resolution int, objectKey string, version, ingestJob int) error
	UpdateIDIndices(ctx context.Context, lookupKey string, resolution int, objectKeys []string, idSets [][]uint64, version int) error
}

// SpatialDB is the orchestrator handle, holding one client to each
// tier plus the resolution-indexed cuboid size table shared by the
// region/key/cutout math.
type SpatialDB struct {
	Cache  cacheStore
	State  stateStore
	Store  objectStore
	Sizes  *resource.CuboidSizes
	Logger *zap.Logger

	PageInTimeout     time.Duration
	WriteLockTimeout  time.Duration
	ReserveIDsTimeout time.Duration
}

// New assembles an orchestrator from already-constructed tier clients.
func New(c *cache.Cache, s *state.State, store *objectstore.Store, sizes *resource.CuboidSizes, logger *zap.Logger, pageInTimeout, writeLockTimeout, reserveIDsTimeout time.Duration) *SpatialDB {
	return &SpatialDB{
		Cache: c, State: s, Store: store, Sizes: sizes, Logger: logger,
		PageInTimeout: pageInTimeout, WriteLockTimeout: writeLockTimeout, ReserveIDsTimeout: reserveIDsTimeout,
	}
}

func (s *SpatialDB) Close() error {
	if err := s.Cache.Close(); err != nil {
		return err
	}
	return s.State.Close()
}

// gridRange is the cuboid-aligned enclosing region in grid indices,
// one axis at a time.
type gridRange struct {
	xStart, xNum int
	yStart, yNum int
	zStart, zNum int
}

// alignedGrid computes the cuboid-aligned enclosing region for corner/extent
// at the given cuboid dims (spec.md §4.7 cutout step 2 / write_cuboid
// step 3, both use the same ceil-to-cuboid math).
func alignedGrid(corner, extent, dim [3]int) gridRange {
	xStart := corner[0] / dim[0]
	yStart := corner[1] / dim[1]
	zStart := corner[2] / dim[2]

	xNum := (corner[0]+extent[0]+dim[0]-1)/dim[0] - xStart
	yNum := (corner[1]+extent[1]+dim[1]-1)/dim[1] - yStart
	zNum := (corner[2]+extent[2]+dim[2]-1)/dim[2] - zStart

	return gridRange{xStart, xNum, yStart, yNum, zStart, zNum}
}

// mortonList enumerates every grid cell in g, Morton-encodes it, and
// returns the codes sorted ascending — sorting by Morton maximizes
// locality in the object store's hash-prefixed keyspace (spec.md §4.7
// step 3).
func mortonList(g gridRange) []uint64 {
	out := make([]uint64, 0, g.xNum*g.yNum*g.zNum)
	for z := 0; z < g.zNum; z++ {
		for y := 0; y < g.yNum; y++ {
			for x := 0; x < g.xNum; x++ {
				out = append(out, morton.XYZToMorton(uint64(x+g.xStart), uint64(y+g.yStart), uint64(z+g.zStart)))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// resampling captures the resolution-resampling decision for an
// annotation layer cutout off its base resolution (spec.md §4.7 steps
// 1 and 7, grounded on original_source/spatialdb/spatialdb.py's
// _up_sample_cutout/_down_sample_cutout). Image channels, and
// annotation channels already materialized at the requested
// resolution, never resample (steps stays 0).
type resampling struct {
	steps    int
	upsample bool
}

// planResampling decides whether an annotation cutout must be fetched
// at base resolution and zoomed, and returns the fetch-grid corner and
// extent to use in place of the caller's. Only x/y scale; cuboids are
// anisotropic at this layer so z is left untouched.
func planResampling(res *resource.Resource, corner, extent [3]int, resolution int) (plan resampling, workingRes int, workingCorner, workingExtent [3]int) {
	workingRes, workingCorner, workingExtent = resolution, corner, extent

	if res.GetChannel().Type != resource.ChannelAnnotation {
		return plan, workingRes, workingCorner, workingExtent
	}
	base := res.GetChannel().BaseResolution

	switch {
	case base > resolution:
		// Requested finer than what is stored: fetch at base and zoom in.
		steps := base - resolution
		shift := uint(steps)
		workingCorner = [3]int{corner[0] >> shift, corner[1] >> shift, corner[2]}
		hiX := (corner[0] + extent[0] + (1 << shift) - 1) >> shift
		hiY := (corner[1] + extent[1] + (1 << shift) - 1) >> shift
		workingExtent = [3]int{hiX - workingCorner[0], hiY - workingCorner[1], extent[2]}
		workingRes = base
		plan = resampling{steps: steps, upsample: true}
	case base < resolution && !res.IsDownsampled():
		// Requested coarser than base with no materialized hierarchy:
		// fetch at base (finer) and zoom out.
		steps := resolution - base
		shift := uint(steps)
		workingCorner = [3]int{corner[0] << shift, corner[1] << shift, corner[2]}
		workingExtent = [3]int{extent[0] << shift, extent[1] << shift, extent[2]}
		workingRes = base
		plan = resampling{steps: steps, upsample: false}
	}
	return plan, workingRes, workingCorner, workingExtent
}

// Cutout extracts an arbitrary, not-necessarily-cuboid-aligned region
// of a channel (spec.md §4.7).
func (s *SpatialDB) Cutout(ctx context.Context, res *resource.Resource, corner, extent [3]int, resolution int, timeRange cuboid.TimeRange, iso bool, filterIDs []uint64, mode AccessMode) (cuboid.Cuboid, error) {
	if mode != AccessCache && mode != AccessNoCache && mode != AccessRaw {
		return nil, spdberr.Newf(spdberr.SpdbError, "spatialdb: unknown access mode %q", mode)
	}

	plan, workingRes, workingCorner, workingExtent := planResampling(res, corner, extent, resolution)

	dim := s.Sizes.AtResolution(workingRes)
	g := alignedGrid(workingCorner, workingExtent, dim)
	mortons := mortonList(g)
	if len(mortons) == 0 {
		return nil, spdberr.New(spdberr.SpdbError, "spatialdb: cutout region spans zero cuboids")
	}

	lowX, lowY, lowZ := morton.MortonToXYZ(mortons[0])

	outDims := [3]int{g.xNum * dim[0], g.yNum * dim[1], g.zNum * dim[2]}
	out, err := cuboid.Create(res.GetDataType(), outDims, &timeRange)
	if err != nil {
		return nil, err
	}

	lookupKey := res.GetLookupKey()

	if mode == AccessCache {
		if err := s.prefetchMisses(ctx, lookupKey, workingRes, timeRange, mortons, iso); err != nil {
			return nil, err
		}
	}

	for t := timeRange.Lo; t < timeRange.Hi; t++ {
		for _, m := range mortons {
			block, err := s.readCuboid(ctx, res, lookupKey, workingRes, t, m, iso, mode)
			if err != nil {
				return nil, err
			}
			if filterIDs != nil {
				if err := cuboid.Filter(block, filterIDs); err != nil {
					return nil, err
				}
			}

			mx, my, mz := morton.MortonToXYZ(m)
			idx := cuboid.Index{X: int(mx - lowX), Y: int(my - lowY), Z: int(mz - lowZ)}
			if err := out.AddData(block, idx); err != nil {
				return nil, err
			}
		}
	}

	// Resample the assembled cube back to the requested resolution
	// (spec.md §4.7 step 7) before the final trim. The per-cuboid
	// extent used for the trim offset below moves with it.
	dimFinal := dim
	if plan.steps > 0 {
		shift := uint(plan.steps)
		if plan.upsample {
			out, err = cuboid.ZoomIn(out, plan.steps, false)
			dimFinal[0] <<= shift
			dimFinal[1] <<= shift
		} else {
			out, err = cuboid.ZoomOut(out, plan.steps, false)
			dimFinal[0] = maxInt(dimFinal[0]>>shift, 1)
			dimFinal[1] = maxInt(dimFinal[1]>>shift, 1)
		}
		if err != nil {
			return nil, err
		}
	}

	// Trim back to the requested (possibly cuboid-unaligned) box.
	xOff := corner[0] - g.xStart*dimFinal[0]
	yOff := corner[1] - g.yStart*dimFinal[1]
	zOff := corner[2] - g.zStart*dimFinal[2]
	if xOff != 0 || yOff != 0 || zOff != 0 || plan.steps > 0 || extent[0] != outDims[0] || extent[1] != outDims[1] || extent[2] != outDims[2] {
		if err := out.Trim(xOff, extent[0], yOff, extent[1], zOff, extent[2]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// readCuboid loads and decodes a single (t, morton) cuboid per the
// requested access mode.
func (s *SpatialDB) readCuboid(ctx context.Context, res *resource.Resource, lookupKey string, resolution, t int, m uint64, iso bool, mode AccessMode) (cuboid.Cuboid, error) {
	dim := s.Sizes.AtResolution(resolution)

	switch mode {
	case AccessRaw:
		objKey := keys.ObjectKey(lookupKey, resolution, t, m, iso)
		blob, err := s.Store.GetSingleObject(ctx, objKey)
		if err != nil {
			return s.zeroBlock(res, dim, t)
		}
		return s.decodeBlock(res, dim, t, [][]byte{blob})

	case AccessNoCache:
		// Bypasses the L1/L2 cache tiers entirely but still must not
		// race an in-flight write: a dirty write buffer beats the
		// durable object store exactly as it does for AccessCache.
		writePrefix := keys.WriteBufferPrefix(lookupKey, resolution, t, m, iso)
		dirty, err := s.Cache.DirtyIsDirty(ctx, writePrefix)
		if err != nil {
			return nil, err
		}
		if dirty {
			blob, err := s.latestWriteBufferBlob(ctx, writePrefix)
			if err != nil {
				return nil, err
			}
			if blob != nil {
				return s.decodeBlock(res, dim, t, [][]byte{blob})
			}
		}
		objKey := keys.ObjectKey(lookupKey, resolution, t, m, iso)
		blob, err := s.Store.GetSingleObject(ctx, objKey)
		if err != nil {
			return s.zeroBlock(res, dim, t)
		}
		return s.decodeBlock(res, dim, t, [][]byte{blob})

	default: // AccessCache
		cacheKey := keys.CachedCuboidKey(lookupKey, resolution, t, m, iso)
		exists, err := s.Cache.CubeExists(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := s.pageIn(ctx, lookupKey, resolution, []string{cacheKey}); err != nil {
				return nil, err
			}
		}

		writePrefix := keys.WriteBufferPrefix(lookupKey, resolution, t, m, iso)
		dirty, err := s.Cache.DirtyIsDirty(ctx, writePrefix)
		if err != nil {
			return nil, err
		}
		if dirty {
			blob, err := s.latestWriteBufferBlob(ctx, writePrefix)
			if err != nil {
				return nil, err
			}
			if blob != nil {
				return s.decodeBlock(res, dim, t, [][]byte{blob})
			}
		}

		blobs, err := s.Cache.GetCubes(ctx, []string{cacheKey})
		if err != nil {
			return nil, err
		}
		if len(blobs) == 0 {
			return s.zeroBlock(res, dim, t)
		}
		return s.decodeBlock(res, dim, t, [][]byte{blobs[0].Blob})
	}
}

func (s *SpatialDB) zeroBlock(res *resource.Resource, dim [3]int, t int) (cuboid.Cuboid, error) {
	return cuboid.Create(res.GetDataType(), dim, &cuboid.TimeRange{Lo: t, Hi: t + 1})
}

func (s *SpatialDB) decodeBlock(res *resource.Resource, dim [3]int, t int, blobs [][]byte) (cuboid.Cuboid, error) {
	c, err := cuboid.Create(res.GetDataType(), dim, &cuboid.TimeRange{Lo: t, Hi: t + 1})
	if err != nil {
		return nil, err
	}
	if err := c.FromBlosc(blobs, cuboid.TimeRange{Lo: t, Hi: t + 1}, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// latestWriteBufferBlob scans the write buffer for any key under
// prefix and returns its blob, or nil if none is currently buffered.
func (s *SpatialDB) latestWriteBufferBlob(ctx context.Context, writePrefix string) ([]byte, error) {
	return s.Cache.GetLatestWriteBufferBlob(ctx, writePrefix)
}

// prefetchMisses batches the cache-miss check across every (t, morton)
// pair a cutout is about to read and pages in all misses through one
// page-in channel wait, rather than leaving each pair's readCuboid
// call to open its own single-key page-in round trip (spec.md §4.7
// step 4, internal/cache.GetMissingReadCacheKeys).
func (s *SpatialDB) prefetchMisses(ctx context.Context, lookupKey string, resolution int, timeRange cuboid.TimeRange, mortons []uint64, iso bool) error {
	missingIdx, _, allKeys, err := s.Cache.GetMissingReadCacheKeys(ctx, lookupKey, resolution, [2]int{timeRange.Lo, timeRange.Hi}, mortons, iso)
	if err != nil {
		return err
	}
	if len(missingIdx) == 0 {
		return nil
	}
	missingKeys := make([]string, len(missingIdx))
	for i, idx := range missingIdx {
		missingKeys[i] = allKeys[idx]
	}
	return s.pageIn(ctx, lookupKey, resolution, missingKeys)
}

// pageIn asks the object store to load cacheKeys and blocks on a
// fresh page-in channel until every key arrives or PageInTimeout
// elapses (spec.md §4.7 step 4, §4.8 page_in_objects).
func (s *SpatialDB) pageIn(ctx context.Context, lookupKey string, resolution int, cacheKeys []string) error {
	channel, err := s.State.CreatePageInChannel(ctx)
	if err != nil {
		return err
	}
	defer channel.Close()

	objectKeys := make([]string, len(cacheKeys))
	var g errgroup.Group
	g.SetLimit(maxPageInFanOut)
	for i, ck := range cacheKeys {
		objKey, err := cacheKeyToObjectKey(ck)
		if err != nil {
			return err
		}
		objectKeys[i] = objKey
		ck, objKey := ck, objKey
		g.Go(func() error {
			s.pageInWorker(channel.Name(), ck, objKey)
			return nil
		})
	}

	return channel.Wait(ctx, objectKeys, s.PageInTimeout)
}

// pageInWorker fetches one blob from durable storage, installs it in
// the cache, and publishes completion. The spec leaves worker
// internals unconstrained; a detached goroutine per key satisfies the
// "asynchronous worker" contract without introducing a queue.
func (s *SpatialDB) pageInWorker(channel, cacheKey, objectKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.PageInTimeout)
	defer cancel()

	blob, err := s.Store.GetSingleObject(ctx, objectKey)
	if err != nil {
		s.Logger.Warn("spatialdb: page-in worker failed to fetch object", zap.String("object_key", objectKey), zap.Error(err))
		return
	}
	if err := s.Cache.PutCubes(ctx, []string{cacheKey}, [][]byte{blob}); err != nil {
		s.Logger.Warn("spatialdb: page-in worker failed to populate cache", zap.String("cache_key", cacheKey), zap.Error(err))
		return
	}
	if err := s.State.NotifyPageInComplete(ctx, channel, objectKey); err != nil {
		s.Logger.Warn("spatialdb: page-in worker failed to publish completion", zap.String("channel", channel), zap.Error(err))
	}
}

func cacheKeyToObjectKey(cacheKey string) (string, error) {
	// CACHED-CUBOID[&ISO]&L&r&t&m -> drop the fixed prefix segments and
	// re-derive the hashed object key from the remaining L&r&t&m body.
	segs := splitAmp(cacheKey)
	if len(segs) < 5 {
		return "", spdberr.Newf(spdberr.SpdbError, "spatialdb: malformed cache key %q", cacheKey)
	}
	iso := segs[1] == "ISO"
	start := 1
	if iso {
		start = 2
	}
	body := segs[start:]
	if len(body) < 4 {
		return "", spdberr.Newf(spdberr.SpdbError, "spatialdb: malformed cache key %q", cacheKey)
	}
	lookupKey := joinAmp(body[:len(body)-3])
	resolution := atoiMust(body[len(body)-3])
	t := atoiMust(body[len(body)-2])
	m := uint64FromDecimal(body[len(body)-1])
	return keys.ObjectKey(lookupKey, resolution, t, m, iso), nil
}

// WriteCuboid writes arbitrary-sized data at corner into the base
// resolution, splitting it across the cuboids it spans (spec.md §4.7
// write_cuboid).
func (s *SpatialDB) WriteCuboid(ctx context.Context, res *resource.Resource, corner [3]int, resolution int, data cuboid.Cuboid, timeSampleStart int, iso bool, toBlack bool) error {
	if resolution != res.GetChannel().BaseResolution {
		return spdberr.New(spdberr.ResolutionMismatch, "spatialdb: write_cuboid only allowed at base resolution")
	}

	locked, err := s.ResourceLocked(ctx, res)
	if err != nil {
		return err
	}
	if locked {
		return spdberr.New(spdberr.ResourceLocked, "spatialdb: channel is write-locked")
	}

	dim := s.Sizes.AtResolution(resolution)
	xyz := data.Dims()
	extent := [3]int{xyz[2], xyz[1], xyz[0]}
	g := alignedGrid(corner, extent, dim)
	lookupKey := res.GetLookupKey()

	writeBufferBase := func() string {
		prefix := "WRITE-CUBOID"
		if toBlack {
			prefix = "BLACK-CUBOID"
		}
		if iso {
			prefix += "&ISO"
		}
		return prefix + "&" + lookupKey + "&" + itoaLocal(resolution)
	}

	for z := 0; z < g.zNum; z++ {
		for y := 0; y < g.yNum; y++ {
			for x := 0; x < g.xNum; x++ {
				m := morton.XYZToMorton(uint64(x+g.xStart), uint64(y+g.yStart), uint64(z+g.zStart))
				blockCorner := [3]int{(x + g.xStart) * dim[0], (y + g.yStart) * dim[1], (z + g.zStart) * dim[2]}

				for t := timeSampleStart; t < timeSampleStart+data.TimeRange().Samples(); t++ {
					current, err := s.readCuboid(ctx, res, lookupKey, resolution, t, m, iso, AccessCache)
					if err != nil {
						return err
					}

					inputSlice, err := extractInputBlock(data, blockCorner, corner, dim, t)
					if err != nil {
						return err
					}
					singleSample := cuboid.TimeRange{Lo: 0, Hi: 1}

					if toBlack {
						if err := current.OverwriteToBlack(inputSlice, singleSample); err != nil {
							return err
						}
					} else {
						if err := current.Overwrite(inputSlice, singleSample); err != nil {
							return err
						}
					}

					blob, err := current.ToBlosc()
					if err != nil {
						return err
					}

					writeKey, err := s.Cache.InsertCubeInWriteBuffer(ctx, writeBufferBase(), t, m, blob)
					if err != nil {
						return err
					}

					if err := s.enqueuePageOut(ctx, lookupKey, resolution, m, t, writeKey, res, toBlack); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

// extractInputBlock slices the portion of data that lands inside the
// cuboid at blockCorner, expressed relative to the write request's
// overall corner, and returns it as a standalone single-time-sample
// block for absolute time index t.
func extractInputBlock(data cuboid.Cuboid, blockCorner, requestCorner, dim [3]int, t int) (cuboid.Cuboid, error) {
	clone := data.Clone()

	xOff := blockCorner[0] - requestCorner[0]
	yOff := blockCorner[1] - requestCorner[1]
	zOff := blockCorner[2] - requestCorner[2]

	xyz := clone.Dims()
	full := [3]int{xyz[2], xyz[1], xyz[0]}

	xStart, xSize := clampRange(xOff, dim[0], full[0])
	yStart, ySize := clampRange(yOff, dim[1], full[1])
	zStart, zSize := clampRange(zOff, dim[2], full[2])

	if err := clone.Trim(xStart, xSize, yStart, ySize, zStart, zSize); err != nil {
		return nil, err
	}

	blob, err := clone.ToBloscByTimeIndex(t)
	if err != nil {
		return nil, err
	}
	sample, err := cuboid.Create(clone.Datatype(), [3]int{xSize, ySize, zSize}, &cuboid.TimeRange{Lo: 0, Hi: 1})
	if err != nil {
		return nil, err
	}
	if err := sample.FromBlosc([][]byte{blob}, cuboid.TimeRange{Lo: 0, Hi: 1}, nil); err != nil {
		return nil, err
	}
	return sample, nil
}

func clampRange(offset, size, bound int) (start, clampedSize int) {
	start = offset
	if start < 0 {
		start = 0
	}
	clampedSize = size
	if start+clampedSize > bound {
		clampedSize = bound - start
	}
	if clampedSize < 0 {
		clampedSize = 0
	}
	return start, clampedSize
}

// enqueuePageOut implements the page-out coordination dance: if
// (t,m) is already flushing, delay this write; otherwise dispatch a
// page-out worker (spec.md §4.7 step 4d, §4.8 trigger_page_out).
func (s *SpatialDB) enqueuePageOut(ctx context.Context, lookupKey string, resolution int, m uint64, t int, writeKey string, res *resource.Resource, toBlack bool) error {
	counterPrefix := keys.WriteBufferPrefix(lookupKey, resolution, t, m, false)
	if err := s.Cache.DirtyIncrement(ctx, counterPrefix); err != nil {
		return err
	}

	added, alreadyPresent, err := s.State.AddToPageOut(ctx, lookupKey, resolution, m, t)
	if err != nil {
		return err
	}
	if alreadyPresent {
		return s.State.AddToDelayedWrite(ctx, writeKey, lookupKey, resolution, m, t)
	}
	if added {
		go s.pageOutWorker(lookupKey, resolution, m, t, writeKey, res, toBlack)
	}
	return nil
}

// pageOutWorker copies a write-buffer cuboid to durable storage,
// updates the s3/id indices, and clears the page-out marker. On
// failure it requeues the write onto the delayed-write list so a
// later flush can retry.
func (s *SpatialDB) pageOutWorker(lookupKey string, resolution int, m uint64, t int, writeKey string, res *resource.Resource, toBlack bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.PageInTimeout)
	defer cancel()

	blob, err := s.Cache.GetCubeFromWriteBuffer(ctx, writeKey)
	if err != nil {
		s.requeueDelayedWrite(ctx, writeKey, lookupKey, resolution, m, t)
		return
	}

	objKey := keys.ObjectKey(lookupKey, resolution, t, m, false)
	if err := s.Store.PutObjects(ctx, []string{objKey}, [][]byte{blob}); err != nil {
		s.requeueDelayedWrite(ctx, writeKey, lookupKey, resolution, m, t)
		return
	}
	if err := s.Store.AddCuboidToIndex(ctx, lookupKey, resolution, objKey, 0, 0); err != nil {
		s.Logger.Warn("spatialdb: page-out failed to update s3 index", zap.String("object_key", objKey), zap.Error(err))
	}

	if res != nil && res.GetChannel().Type == resource.ChannelAnnotation {
		if block, decErr := s.decodeBlock(res, s.Sizes.AtResolution(resolution), t, [][]byte{blob}); decErr == nil {
			if ids, idErr := cuboid.IDSet(block); idErr == nil {
				if err := s.Store.UpdateIDIndices(ctx, lookupKey, resolution, []string{objKey}, [][]uint64{ids}, 0); err != nil {
					s.Logger.Warn("spatialdb: page-out failed to update id indices", zap.String("object_key", objKey), zap.Error(err))
				}
			}
		}
	}

	cacheKey := keys.CachedCuboidKey(lookupKey, resolution, t, m, false)
	if err := s.Cache.PutCubes(ctx, []string{cacheKey}, [][]byte{blob}); err != nil {
		s.Logger.Warn("spatialdb: page-out failed to refresh cache", zap.String("cache_key", cacheKey), zap.Error(err))
	}

	if err := s.Cache.DirtyDecrement(ctx, keys.WriteBufferPrefix(lookupKey, resolution, t, m, false)); err != nil {
		s.Logger.Warn("spatialdb: page-out failed to decrement dirty counter", zap.Error(err))
	}

	if err := s.State.RemoveFromPageOut(ctx, lookupKey, resolution, m, t); err != nil {
		s.Logger.Warn("spatialdb: page-out failed to clear page-out marker", zap.Error(err))
		return
	}

	s.drainDelayedWrite(ctx, toBlack)
}

func (s *SpatialDB) requeueDelayedWrite(ctx context.Context, writeKey, lookupKey string, resolution int, m uint64, t int) {
	if err := s.State.AddToDelayedWrite(ctx, writeKey, lookupKey, resolution, m, t); err != nil {
		s.Logger.Error("spatialdb: failed to requeue delayed write after page-out failure", zap.Error(err))
	}
}

// drainDelayedWrite dequeues one pending write (if any) and dispatches
// it as the next page-out worker for its (lookupKey, resolution, m, t).
func (s *SpatialDB) drainDelayedWrite(ctx context.Context, toBlack bool) {
	dw, err := s.State.GetDelayedWriteKeys(ctx)
	if err != nil || dw == nil {
		return
	}
	lookupKey, resolution, m, t, err := parseWriteKeyCoords(dw.WriteKey)
	if err != nil {
		return
	}
	added, alreadyPresent, err := s.State.AddToPageOut(ctx, lookupKey, resolution, m, t)
	if err != nil || alreadyPresent || !added {
		return
	}
	go s.pageOutWorker(lookupKey, resolution, m, t, dw.WriteKey, nil, toBlack)
}

// parseWriteKeyCoords recovers (lookupKey, resolution, morton, t) from
// a write/black-cuboid key of the form
// WRITE-CUBOID[&ISO]&lookupKey&resolution&t&morton&uuid.
func parseWriteKeyCoords(writeKey string) (lookupKey string, resolution int, m uint64, t int, err error) {
	segs := splitAmp(writeKey)
	start := 1
	if len(segs) > 1 && segs[1] == "ISO" {
		start = 2
	}
	body := segs[start:]
	if len(body) < 4 {
		return "", 0, 0, 0, spdberr.Newf(spdberr.SpdbError, "spatialdb: malformed write key %q", writeKey)
	}
	resolution = atoiMust(body[len(body)-4])
	t = atoiMust(body[len(body)-3])
	m = uint64FromDecimal(body[len(body)-2])
	lookupKey = joinAmp(body[:len(body)-4])
	return lookupKey, resolution, m, t, nil
}

// GetCubes decodes a batch of CACHED-CUBOID keys in order (spec.md
// §4.7 get_cubes).
func (s *SpatialDB) GetCubes(ctx context.Context, res *resource.Resource, keyList []string) ([]cuboid.Cuboid, error) {
	blobs, err := s.Cache.GetCubes(ctx, keyList)
	if err != nil {
		return nil, err
	}
	dim := s.Sizes.AtResolution(0)
	out := make([]cuboid.Cuboid, len(blobs))
	for i, b := range blobs {
		c, err := s.decodeBlock(res, dim, b.T, [][]byte{b.Blob})
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// ResourceLocked reports whether writes are currently blocked for res.
func (s *SpatialDB) ResourceLocked(ctx context.Context, res *resource.Resource) (bool, error) {
	return s.State.ProjectLocked(ctx, res.GetLookupKey())
}

// ReserveIDs reserves a contiguous block of numIDs annotation ids.
func (s *SpatialDB) ReserveIDs(ctx context.Context, res *resource.Resource, numIDs uint64) (uint64, error) {
	return objectindex.ReserveIDs(ctx, s.Store, res, numIDs)
}

// GetLooseBoundingBox delegates to internal/objectindex.
func (s *SpatialDB) GetLooseBoundingBox(ctx context.Context, res *resource.Resource, resolution int, id uint64) (*objectindex.BoundingBox, error) {
	return objectindex.GetLooseBoundingBox(ctx, s.Store, s.Sizes, res, resolution, id)
}

// GetTightBoundingBox delegates to internal/objectindex, using s.Cutout
// as the face-scan probe.
func (s *SpatialDB) GetTightBoundingBox(ctx context.Context, res *resource.Resource, resolution int, id uint64, loose objectindex.BoundingBox) (*objectindex.BoundingBox, error) {
	probe := func(ctx context.Context, r *resource.Resource, corner, extent [3]int, resolution int, tr cuboid.TimeRange) (cuboid.Cuboid, error) {
		return s.Cutout(ctx, r, corner, extent, resolution, tr, false, nil, AccessCache)
	}
	return objectindex.GetTightBoundingBox(ctx, probe, res, s.Sizes, resolution, id, loose)
}

// IDsInRegion unions the annotation ids present across the fully
// cuboid-aligned interior (read via index rows) and up to six partial
// faces (read via cutout) of (corner, extent) — spec.md §4.9
// ids_in_region.
func (s *SpatialDB) IDsInRegion(ctx context.Context, res *resource.Resource, resolution int, corner, extent [3]int) ([]uint64, error) {
	cuboids := region.GetCuboidAlignedSubRegion(s.Sizes, resolution, corner, extent)
	lookupKey := res.GetLookupKey()

	seen := make(map[uint64]struct{})

	for z := cuboids.ZCuboids.Start; z < cuboids.ZCuboids.End; z++ {
		for y := cuboids.YCuboids.Start; y < cuboids.YCuboids.End; y++ {
			for x := cuboids.XCuboids.Start; x < cuboids.XCuboids.End; x++ {
				m := morton.XYZToMorton(uint64(x), uint64(y), uint64(z))
				objKey := keys.ObjectKey(lookupKey, resolution, 0, m, false)
				ids, err := s.Store.IDSetForObject(ctx, objKey)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					seen[id] = struct{}{}
				}
			}
		}
	}

	partials := region.GetAllPartialSubRegions(s.Sizes, resolution, corner, extent)
	for _, b := range partials {
		if b.Extent[0] == 0 || b.Extent[1] == 0 || b.Extent[2] == 0 {
			continue
		}
		c, err := s.Cutout(ctx, res, b.Corner, b.Extent, resolution, cuboid.TimeRange{Lo: 0, Hi: 1}, false, nil, AccessCache)
		if err != nil {
			return nil, err
		}
		ids, err := cuboid.IDSet(c)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	out := make([]uint64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func splitAmp(s string) []string { return strings.Split(s, "&") }

func joinAmp(segs []string) string { return strings.Join(segs, "&") }

func atoiMust(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func uint64FromDecimal(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

func itoaLocal(v int) string { return strconv.Itoa(v) }
