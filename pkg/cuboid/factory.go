package cuboid

import (
	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

// CuboidU8 etc. are the concrete element-typed cuboids. They're plain
// type aliases over the generic backing struct so callers can still
// type-switch on *CuboidU8 if they need the concrete representation
// (e.g. for id-set extraction on annotation channels, which are
// CuboidU64).
type (
	CuboidU8  = typed[uint8]
	CuboidU16 = typed[uint16]
	CuboidU32 = typed[uint32]
	CuboidU64 = typed[uint64]
	CuboidF32 = typed[float32]
)

func newU8(dims [3]int, tr TimeRange) Cuboid  { return newTyped[uint8](dims, tr, resource.Uint8) }
func newU16(dims [3]int, tr TimeRange) Cuboid { return newTyped[uint16](dims, tr, resource.Uint16) }
func newU32(dims [3]int, tr TimeRange) Cuboid { return newTyped[uint32](dims, tr, resource.Uint32) }
func newU64(dims [3]int, tr TimeRange) Cuboid { return newTyped[uint64](dims, tr, resource.Uint64) }
func newF32(dims [3]int, tr TimeRange) Cuboid { return newTyped[float32](dims, tr, resource.Float32) }

// IDSet extracts the sorted set of distinct non-zero annotation ids
// present in a uint64 (annotation) cuboid. Returns an error if c is not
// a uint64 cuboid.
func IDSet(c Cuboid) ([]uint64, error) {
	u, ok := c.(*typed[uint64])
	if !ok {
		return nil, spdberr.New(spdberr.DatatypeMismatch, "IDSet requires a uint64 annotation cuboid")
	}
	return uniqueNonZero(u.data), nil
}

func uniqueNonZero(data []uint64) []uint64 {
	seen := make(map[uint64]struct{})
	for _, v := range data {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	// simple insertion sort: id-set cardinality per cuboid is small
	for i := 1; i < len(out); i++ {
		v := out[i]
		j := i - 1
		for j >= 0 && out[j] > v {
			out[j+1] = out[j]
			j--
		}
		out[j+1] = v
	}
	return out
}

// Filter zeros every voxel in a uint64 (annotation) cuboid whose id is
// not in keep, leaving only the requested annotation ids visible in a
// cutout result. A no-op on non-uint64 cuboids.
func Filter(c Cuboid, keep []uint64) error {
	u, ok := c.(*typed[uint64])
	if !ok {
		return nil
	}
	allow := make(map[uint64]struct{}, len(keep))
	for _, id := range keep {
		allow[id] = struct{}{}
	}
	for i, v := range u.data {
		if v == 0 {
			continue
		}
		if _, ok := allow[v]; !ok {
			u.data[i] = 0
		}
	}
	return nil
}

// LocateIDs returns the (x, y, z) position, within its time sample, of
// every voxel in a uint64 cuboid equal to id — used by the tight
// bounding-box face scan, which takes the extreme coordinate along a
// single axis from the list. ok is false for non-uint64 cuboids.
func LocateIDs(c Cuboid, id uint64) (positions []Index, ok bool) {
	u, isU64 := c.(*typed[uint64])
	if !isU64 {
		return nil, false
	}
	zStride, yStride := u.strideZYX()
	for i, v := range u.data {
		if v != id {
			continue
		}
		rel := i % u.tStride()
		z := rel / zStride
		rem := rel % zStride
		y := rem / yStride
		x := rem % yStride
		positions = append(positions, Index{X: x, Y: y, Z: z})
	}
	return positions, true
}
