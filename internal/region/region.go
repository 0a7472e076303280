// Package region computes cuboid-aligned and non-cuboid-aligned
// sub-regions of a cutout or write-cuboid request, used to split an
// arbitrary axis-aligned box into the whole cuboids it spans plus the
// up-to-six partial boxes along its faces (spec.md §4.10, ported from
// original_source/spdb/spatialdb/region.py).
package region

import "github.com/jhuapl-boss/spdb/pkg/resource"

// Cuboids holds the half-open ranges of cuboid indices, in x, y, z
// order, fully contained within a region.
type Cuboids struct {
	XCuboids Range
	YCuboids Range
	ZCuboids Range
}

// Range is a half-open integer range [Start, End).
type Range struct {
	Start int
	End   int
}

// Bounds is a corner plus an xyz extent, describing one of the
// (at most six) partial-cuboid slabs along a region's faces.
type Bounds struct {
	Corner [3]int
	Extent [3]int
}

// GetCuboidAlignedSubRegion returns the ranges of cuboid indices, in
// x, y, z, that are entirely contained within corner/extent.
func GetCuboidAlignedSubRegion(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Cuboids {
	dim := sizes.AtResolution(resolution)

	return Cuboids{
		XCuboids: Range{
			Start: firstCuboid(corner[0], dim[0]),
			End:   lastCuboid(corner[0], extent[0], dim[0]),
		},
		YCuboids: Range{
			Start: firstCuboid(corner[1], dim[1]),
			End:   lastCuboid(corner[1], extent[1], dim[1]),
		},
		ZCuboids: Range{
			Start: firstCuboid(corner[2], dim[2]),
			End:   lastCuboid(corner[2], extent[2], dim[2]),
		},
	}
}

// firstCuboid returns the index of the first full cuboid within
// [start, start+extent) along one axis.
func firstCuboid(start, cubeDim int) int {
	var cStart int
	if start%cubeDim != 0 {
		cStart = (1 + start/cubeDim) * cubeDim
	} else {
		cStart = start
	}
	return cStart / cubeDim
}

// lastCuboid returns index+1 of the last cuboid fully contained by
// [start, start+extent), suitable as a half-open range end.
func lastCuboid(start, extent, cubeDim int) int {
	end := start + extent
	endCube := end / cubeDim
	if end%cubeDim != 0 {
		end = (end / cubeDim) * cubeDim
		if end < start+cubeDim {
			endCube--
		}
	}
	return endCube
}

// GetAllPartialSubRegions returns the up-to-six non-cuboid-aligned
// slabs along a region's faces, in the fixed order: x-y near, x-y
// far, x-z near, x-z far, y-z near, y-z far.
func GetAllPartialSubRegions(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) [6]Bounds {
	return [6]Bounds{
		GetSubRegionXYBlockNearSide(sizes, resolution, corner, extent),
		GetSubRegionXYBlockFarSide(sizes, resolution, corner, extent),
		GetSubRegionXZBlockNearSide(sizes, resolution, corner, extent),
		GetSubRegionXZBlockFarSide(sizes, resolution, corner, extent),
		GetSubRegionYZBlockNearSide(sizes, resolution, corner, extent),
		GetSubRegionYZBlockFarSide(sizes, resolution, corner, extent),
	}
}

// GetSubRegionXYBlockNearSide returns the partial x-y slab closest to
// the origin along the z axis.
func GetSubRegionXYBlockNearSide(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Bounds {
	dim := sizes.AtResolution(resolution)
	zCubeDim := dim[2]

	if corner[2]%zCubeDim == 0 && extent[2] >= zCubeDim {
		return Bounds{Corner: corner, Extent: [3]int{extent[0], extent[1], 0}}
	}

	zEnd := (1 + corner[2]/zCubeDim) * zCubeDim
	if zEnd+zCubeDim > corner[2]+extent[2] {
		zEnd = corner[2] + extent[2]
	} else if zEnd > corner[2]+extent[2] {
		zEnd = corner[2] + extent[2]
	}

	return Bounds{Corner: corner, Extent: [3]int{extent[0], extent[1], zEnd - corner[2]}}
}

// GetSubRegionXYBlockFarSide returns the partial x-y slab farthest
// from the origin along the z axis.
func GetSubRegionXYBlockFarSide(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Bounds {
	dim := sizes.AtResolution(resolution)
	zCubeDim := dim[2]

	zStart := corner[2] + extent[2]
	zExtent := 0
	if zStart%zCubeDim != 0 {
		zStart = (zStart / zCubeDim) * zCubeDim
		if zStart > corner[2] {
			zExtent = corner[2] + extent[2] - zStart
		}
	}

	return Bounds{
		Corner: [3]int{corner[0], corner[1], zStart},
		Extent: [3]int{extent[0], extent[1], zExtent},
	}
}

// GetSubRegionXZBlockNearSide returns the partial x-z slab closest to
// the origin along the y axis.
func GetSubRegionXZBlockNearSide(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Bounds {
	dim := sizes.AtResolution(resolution)
	yCubeDim := dim[1]

	if corner[1]%yCubeDim == 0 && extent[1] >= yCubeDim {
		return Bounds{Corner: corner, Extent: [3]int{extent[0], 0, extent[2]}}
	}

	yEnd := (1 + corner[1]/yCubeDim) * yCubeDim
	if yEnd+yCubeDim > corner[1]+extent[1] {
		yEnd = corner[1] + extent[1]
	} else if yEnd > corner[1]+extent[1] {
		yEnd = corner[1] + extent[1]
	}

	return Bounds{Corner: corner, Extent: [3]int{extent[0], yEnd - corner[1], extent[2]}}
}

// GetSubRegionXZBlockFarSide returns the partial x-z slab farthest
// from the origin along the y axis.
func GetSubRegionXZBlockFarSide(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Bounds {
	dim := sizes.AtResolution(resolution)
	yCubeDim := dim[1]

	yStart := corner[1] + extent[1]
	yExtent := 0
	if yStart%yCubeDim != 0 {
		yStart = (yStart / yCubeDim) * yCubeDim
		if yStart > corner[1] {
			yExtent = corner[1] + extent[1] - yStart
		}
	}

	return Bounds{
		Corner: [3]int{corner[0], yStart, corner[2]},
		Extent: [3]int{extent[0], yExtent, extent[2]},
	}
}

// GetSubRegionYZBlockNearSide returns the partial y-z slab closest to
// the origin along the x axis.
func GetSubRegionYZBlockNearSide(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Bounds {
	dim := sizes.AtResolution(resolution)
	xCubeDim := dim[0]

	if corner[0]%xCubeDim == 0 && extent[0] >= xCubeDim {
		return Bounds{Corner: corner, Extent: [3]int{0, extent[1], extent[2]}}
	}

	xEnd := (1 + corner[0]/xCubeDim) * xCubeDim
	if xEnd+xCubeDim > corner[0]+extent[0] {
		xEnd = corner[0] + extent[0]
	} else if xEnd > corner[0]+extent[0] {
		xEnd = corner[0] + extent[0]
	}

	return Bounds{Corner: corner, Extent: [3]int{xEnd - corner[0], extent[1], extent[2]}}
}

// GetSubRegionYZBlockFarSide returns the partial y-z slab farthest
// from the origin along the x axis.
func GetSubRegionYZBlockFarSide(sizes *resource.CuboidSizes, resolution int, corner, extent [3]int) Bounds {
	dim := sizes.AtResolution(resolution)
	xCubeDim := dim[0]

	xStart := corner[0] + extent[0]
	xExtent := 0
	if xStart%xCubeDim != 0 {
		xStart = (xStart / xCubeDim) * xCubeDim
		if xStart > corner[0] {
			xExtent = corner[0] + extent[0] - xStart
		}
	}

	return Bounds{
		Corner: [3]int{xStart, corner[1], corner[2]},
		Extent: [3]int{xExtent, extent[1], extent[2]},
	}
}
