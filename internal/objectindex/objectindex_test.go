package objectindex

import (
	"context"
	"testing"

	"github.com/jhuapl-boss/spdb/pkg/cuboid"
	"github.com/jhuapl-boss/spdb/pkg/morton"
	"github.com/jhuapl-boss/spdb/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIDIndex struct {
	cuboidsByID map[uint64][]uint64
	idsByObject map[string][]uint64
	reserveFn   func(ctx context.Context, lookupKey string, numIDs uint64) (uint64, error)
}

func (f *fakeIDIndex) CuboidsForID(_ context.Context, _ string, _ int, id uint64) ([]uint64, error) {
	return f.cuboidsByID[id], nil
}

func (f *fakeIDIndex) IDSetForObject(_ context.Context, objectKey string) ([]uint64, error) {
	return f.idsByObject[objectKey], nil
}

func (f *fakeIDIndex) ReserveIDBlock(ctx context.Context, lookupKey string, numIDs uint64) (uint64, error) {
	return f.reserveFn(ctx, lookupKey, numIDs)
}

func testResource(annotation bool) *resource.Resource {
	ch := resource.Channel{Name: "chan", Datatype: resource.Uint64, Type: resource.ChannelAnnotation}
	if !annotation {
		ch.Type = resource.ChannelImage
	}
	cf := resource.CoordFrame{
		XStart: 0, XStop: 10000,
		YStart: 0, YStop: 10000,
		ZStart: 0, ZStop: 10000,
	}
	return resource.New(1, 2, 3, "coll", "exp", cf, ch)
}

func TestGetLooseBoundingBoxNoCuboids(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	idx := &fakeIDIndex{cuboidsByID: map[uint64][]uint64{}}
	bb, err := GetLooseBoundingBox(context.Background(), idx, sizes, testResource(true), 0, 42)
	require.NoError(t, err)
	assert.Nil(t, bb)
}

func TestGetLooseBoundingBoxSingleCuboid(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	m := morton.XYZToMorton(1, 2, 0)
	idx := &fakeIDIndex{cuboidsByID: map[uint64][]uint64{42: {m}}}

	bb, err := GetLooseBoundingBox(context.Background(), idx, sizes, testResource(true), 0, 42)
	require.NoError(t, err)
	require.NotNil(t, bb)
	assert.Equal(t, Range{512, 1024}, bb.X)
	assert.Equal(t, Range{1024, 1536}, bb.Y)
	assert.Equal(t, Range{0, 16}, bb.Z)
	assert.Equal(t, Range{0, 1}, bb.T)
}

func TestIDsInRegionDedupes(t *testing.T) {
	idx := &fakeIDIndex{idsByObject: map[string][]uint64{
		"obj1": {1, 2, 3},
		"obj2": {2, 3, 4},
	}}
	ids, err := IDsInRegion(context.Background(), idx, []string{"obj1", "obj2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2, 3, 4}, ids)
}

func TestReserveIDsRejectsImageChannel(t *testing.T) {
	idx := &fakeIDIndex{}
	_, err := ReserveIDs(context.Background(), idx, testResource(false), 10)
	assert.Error(t, err)
}

func TestReserveIDsSucceeds(t *testing.T) {
	idx := &fakeIDIndex{reserveFn: func(ctx context.Context, lookupKey string, numIDs uint64) (uint64, error) {
		return 100, nil
	}}
	start, err := ReserveIDs(context.Background(), idx, testResource(true), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), start)
}

func TestGetTightBoundingBoxNotFound(t *testing.T) {
	sizes := resource.NewCuboidSizes(4, 4, 4)
	res := testResource(true)
	loose := BoundingBox{
		X: Range{0, 4}, Y: Range{0, 4}, Z: Range{0, 4}, T: Range{0, 1},
	}

	cutout := func(ctx context.Context, r *resource.Resource, corner [3]int, extent [3]int, resolution int, tr cuboid.TimeRange) (cuboid.Cuboid, error) {
		return cuboid.Create(resource.Uint64, extent, &cuboid.TimeRange{Lo: tr.Lo, Hi: tr.Hi})
	}

	// An all-zero cutout never contains the requested id, exercising the
	// not-found error path rather than a specific tight box result.
	_, err := GetTightBoundingBox(context.Background(), cutout, res, sizes, 0, 7, loose)
	assert.Error(t, err)
}
