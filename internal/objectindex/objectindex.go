// Package objectindex computes bounding boxes and id-reservation
// blocks over the annotation id indices maintained in
// internal/objectstore (spec.md §4.9, ported from
// original_source/spatialdb/object_indices.py's get_loose_bounding_box,
// get_tight_bounding_box and reserve_ids).
package objectindex

import (
	"context"
	"time"

	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/cuboid"
	"github.com/jhuapl-boss/spdb/pkg/morton"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

// IDIndex abstracts the id-index/id-count DynamoDB tables so this
// package can be tested without a live AWS backend; internal/objectstore.Store
// satisfies it.
type IDIndex interface {
	CuboidsForID(ctx context.Context, lookupKey string, resolution int, id uint64) ([]uint64, error)
	IDSetForObject(ctx context.Context, objectKey string) ([]uint64, error)
	ReserveIDBlock(ctx context.Context, lookupKey string, numIDs uint64) (uint64, error)
}

// Range is an inclusive-exclusive coordinate range, [Start, Stop).
type Range struct {
	Start, Stop int
}

// BoundingBox is the loose or tight extent of an annotation id.
type BoundingBox struct {
	X, Y, Z, T Range
}

// GetLooseBoundingBox returns the cuboid-aligned bounding box
// containing every cuboid that references id, or nil if id does not
// appear in the channel.
func GetLooseBoundingBox(ctx context.Context, idx IDIndex, sizes *resource.CuboidSizes, res *resource.Resource, resolution int, id uint64) (*BoundingBox, error) {
	cf := res.GetCoordFrame()
	xMin, xMax := cf.XStop, cf.XStart
	yMin, yMax := cf.YStop, cf.YStart
	zMin, zMax := cf.ZStop, cf.ZStart

	dim := sizes.AtResolution(resolution)

	mortons, err := idx.CuboidsForID(ctx, res.GetLookupKey(), resolution, id)
	if err != nil {
		return nil, err
	}
	if len(mortons) == 0 {
		return nil, nil
	}

	for _, m := range mortons {
		mx, my, mz := morton.MortonToXYZ(m)
		x, y, z := int(mx)*dim[0], int(my)*dim[1], int(mz)*dim[2]

		if x < xMin {
			xMin = x
		}
		if x > xMax {
			xMax = x
		}
		if y < yMin {
			yMin = y
		}
		if y > yMax {
			yMax = y
		}
		if z < zMin {
			zMin = z
		}
		if z > zMax {
			zMax = z
		}
	}

	return &BoundingBox{
		X: Range{xMin, xMax + dim[0]},
		Y: Range{yMin, yMax + dim[1]},
		Z: Range{zMin, zMax + dim[2]},
		T: Range{0, 1},
	}, nil
}

// CutoutFunc matches the signature of the top-level cutout operation;
// used to probe the near and far faces of a loose bounding box to
// tighten it to the id's exact extent.
type CutoutFunc func(ctx context.Context, res *resource.Resource, corner [3]int, extent [3]int, resolution int, timeRange cuboid.TimeRange) (cuboid.Cuboid, error)

// GetTightBoundingBox narrows a cuboid-aligned loose bounding box to
// the id's exact voxel extent by probing the near/far faces on each
// axis and locating the id within them.
func GetTightBoundingBox(ctx context.Context, cutout CutoutFunc, res *resource.Resource, sizes *resource.CuboidSizes, resolution int, id uint64, loose BoundingBox) (*BoundingBox, error) {
	dim := sizes.AtResolution(resolution)

	xMin, xMax, err := tightBoundAxis(ctx, cutout, res, resolution, id, loose, dim[0], 0)
	if err != nil {
		return nil, err
	}
	yMin, yMax, err := tightBoundAxis(ctx, cutout, res, resolution, id, loose, dim[1], 1)
	if err != nil {
		return nil, err
	}
	zMin, zMax, err := tightBoundAxis(ctx, cutout, res, resolution, id, loose, dim[2], 2)
	if err != nil {
		return nil, err
	}

	return &BoundingBox{
		X: Range{xMin, xMax + 1},
		Y: Range{yMin, yMax + 1},
		Z: Range{zMin, zMax + 1},
		T: loose.T,
	}, nil
}

// tightBoundAxis computes the [min, max] (inclusive) extent of id
// along axis (0=x, 1=y, 2=z) by cutting out the cuboid-wide slab
// nearest the origin, then (if the loose box spans more than one
// cuboid on that axis) the slab farthest from the origin.
func tightBoundAxis(ctx context.Context, cutout CutoutFunc, res *resource.Resource, resolution int, id uint64, loose BoundingBox, cubeDim, axis int) (min, max int, err error) {
	axRange := [3]Range{loose.X, loose.Y, loose.Z}[axis]

	nearCorner, nearExtent := axisSlab(loose, axis, axRange.Start, cubeDim)
	nearCube, err := cutout(ctx, res, nearCorner, nearExtent, resolution, cuboid.TimeRange{Lo: loose.T.Start, Hi: loose.T.Stop})
	if err != nil {
		return 0, 0, err
	}
	positions, ok := cuboid.LocateIDs(nearCube, id)
	if !ok || len(positions) == 0 {
		return 0, 0, spdberr.Newf(spdberr.SpdbError, "objectindex: id %d not found in near-side tight bounding box cutout", id)
	}
	min, max = axisExtentFromPositions(positions, axis, axRange.Start)

	farStart := axRange.Stop - cubeDim
	if farStart <= axRange.Start {
		return min, max, nil
	}

	farCorner, farExtent := axisSlabRange(loose, axis, farStart, axRange.Stop)
	farCube, err := cutout(ctx, res, farCorner, farExtent, resolution, cuboid.TimeRange{Lo: loose.T.Start, Hi: loose.T.Stop})
	if err != nil {
		return 0, 0, err
	}
	farPositions, ok := cuboid.LocateIDs(farCube, id)
	if !ok || len(farPositions) == 0 {
		return min, max, nil
	}
	_, farMax := axisExtentFromPositions(farPositions, axis, farStart)
	if farMax > max {
		max = farMax
	}
	return min, max, nil
}

func axisSlab(loose BoundingBox, axis, start, cubeDim int) (corner, extent [3]int) {
	corner = [3]int{loose.X.Start, loose.Y.Start, loose.Z.Start}
	extent = [3]int{loose.X.Stop - loose.X.Start, loose.Y.Stop - loose.Y.Start, loose.Z.Stop - loose.Z.Start}
	corner[axis] = start
	extent[axis] = cubeDim
	return corner, extent
}

func axisSlabRange(loose BoundingBox, axis, start, stop int) (corner, extent [3]int) {
	corner = [3]int{loose.X.Start, loose.Y.Start, loose.Z.Start}
	extent = [3]int{loose.X.Stop - loose.X.Start, loose.Y.Stop - loose.Y.Start, loose.Z.Stop - loose.Z.Start}
	corner[axis] = start
	extent[axis] = stop - start
	return corner, extent
}

func axisExtentFromPositions(positions []cuboid.Index, axis, base int) (min, max int) {
	first := axisComponent(positions[0], axis)
	min, max = first, first
	for _, p := range positions[1:] {
		v := axisComponent(p, axis)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return base + min, base + max
}

func axisComponent(idx cuboid.Index, axis int) int {
	switch axis {
	case 0:
		return idx.X
	case 1:
		return idx.Y
	default:
		return idx.Z
	}
}

// IDsInRegion returns the union of every distinct annotation id
// present in the given cuboid object keys.
func IDsInRegion(ctx context.Context, idx IDIndex, objectKeys []string) ([]uint64, error) {
	seen := make(map[uint64]struct{})
	for _, key := range objectKeys {
		ids, err := idx.IDSetForObject(ctx, key)
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

// ReserveIDs allocates a contiguous block of numIDs annotation ids for
// res, retrying the conditional DynamoDB counter update for up to 10
// seconds before giving up. Rejects image channels, which have no id
// space to reserve from.
func ReserveIDs(ctx context.Context, idx IDIndex, res *resource.Resource, numIDs uint64) (uint64, error) {
	if res.GetChannel().IsImage() {
		return 0, spdberr.New(spdberr.DatatypeNotSupported, "objectindex: can only reserve ids for annotation channels")
	}

	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		start, err := idx.ReserveIDBlock(ctx, res.GetLookupKey(), numIDs)
		if err == nil {
			return start, nil
		}
		lastErr = err
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if lastErr != nil {
		return 0, spdberr.Wrap(lastErr, spdberr.SpdbError, "objectindex: failed to reserve id block within 10 seconds")
	}
	return 0, spdberr.New(spdberr.SpdbError, "objectindex: failed to reserve id block within 10 seconds")
}
