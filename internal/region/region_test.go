package region

import (
	"testing"

	"github.com/jhuapl-boss/spdb/pkg/resource"
	"github.com/stretchr/testify/assert"
)

func TestGetCuboidAlignedSubRegionFullyAligned(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	cuboids := GetCuboidAlignedSubRegion(sizes, 0, [3]int{0, 0, 0}, [3]int{1024, 512, 32})

	assert.Equal(t, Range{0, 2}, cuboids.XCuboids)
	assert.Equal(t, Range{0, 1}, cuboids.YCuboids)
	assert.Equal(t, Range{0, 2}, cuboids.ZCuboids)
}

func TestGetCuboidAlignedSubRegionUnaligned(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	// Corner offset by 1 along x, and not quite spanning a second cuboid.
	cuboids := GetCuboidAlignedSubRegion(sizes, 0, [3]int{1, 0, 0}, [3]int{1022, 512, 16})

	assert.Equal(t, Range{1, 0}, cuboids.XCuboids)
	assert.Equal(t, Range{0, 1}, cuboids.YCuboids)
	assert.Equal(t, Range{0, 1}, cuboids.ZCuboids)
}

func TestSubRegionXYBlockNearSideAlreadyAligned(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	b := GetSubRegionXYBlockNearSide(sizes, 0, [3]int{0, 0, 0}, [3]int{512, 512, 32})
	assert.Equal(t, [3]int{0, 0, 0}, b.Corner)
	assert.Equal(t, [3]int{512, 512, 0}, b.Extent)
}

func TestSubRegionXYBlockNearSideUnaligned(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	b := GetSubRegionXYBlockNearSide(sizes, 0, [3]int{0, 0, 4}, [3]int{512, 512, 40})
	assert.Equal(t, [3]int{0, 0, 4}, b.Corner)
	assert.Equal(t, [3]int{512, 512, 12}, b.Extent)
}

func TestSubRegionXYBlockFarSideAligned(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	b := GetSubRegionXYBlockFarSide(sizes, 0, [3]int{0, 0, 0}, [3]int{512, 512, 32})
	assert.Equal(t, [3]int{0, 0, 32}, b.Corner)
	assert.Equal(t, [3]int{512, 512, 0}, b.Extent)
}

func TestSubRegionXYBlockFarSideUnaligned(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	b := GetSubRegionXYBlockFarSide(sizes, 0, [3]int{0, 0, 0}, [3]int{512, 512, 20})
	assert.Equal(t, [3]int{0, 0, 16}, b.Corner)
	assert.Equal(t, [3]int{512, 512, 4}, b.Extent)
}

func TestGetAllPartialSubRegionsOrder(t *testing.T) {
	sizes := resource.NewCuboidSizes(512, 512, 16)
	all := GetAllPartialSubRegions(sizes, 0, [3]int{4, 4, 4}, [3]int{1000, 1000, 20})
	assert.Len(t, all, 6)
	// x-y near side carries the z-axis remainder closest to the origin.
	assert.Equal(t, [3]int{4, 4, 4}, all[0].Corner)
}
