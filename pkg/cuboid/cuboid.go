// Package cuboid implements the 4-D typed block that is the unit of
// storage, caching and I/O for the spatial database. A Cuboid is
// datatype-polymorphic: one concrete struct per element type
// implements the Cuboid interface, selected by Create based on the
// channel's declared datatype. This avoids the cyclic
// cuboid/annocube/imagecube imports of the original Python package
// (spec.md DESIGN NOTES §9) by keeping a single interface with one
// struct per element type instead of a class hierarchy split across
// packages.
package cuboid

import (
	"fmt"
	"math/rand"

	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

// TimeRange is a half-open [Lo, Hi) range of time sample indices.
type TimeRange struct {
	Lo, Hi int
}

// IsSeries reports whether the range spans more than one time sample.
func (t TimeRange) IsSeries() bool { return t.Hi-t.Lo > 1 }

// Samples returns the number of time samples in the range.
func (t TimeRange) Samples() int { return t.Hi - t.Lo }

// Index is a non-negative cuboid grid coordinate (x, y, z).
type Index struct {
	X, Y, Z int
}

// Cuboid is the datatype-polymorphic 4-D block interface. One
// concrete struct per element type (CuboidU8, CuboidU16, CuboidU32,
// CuboidU64, CuboidF32) implements it.
type Cuboid interface {
	// Dims returns the spatial dimensions [z_dim, y_dim, x_dim].
	Dims() [3]int
	// TimeRange returns the half-open time sample range.
	TimeRange() TimeRange
	// Datatype returns the element type.
	Datatype() resource.DataType
	// MortonID returns the grid-located Morton id, or (0, false) if
	// this cuboid instance has not been located in the grid.
	MortonID() (uint64, bool)
	// SetMortonID locates this cuboid instance in the grid.
	SetMortonID(m uint64)
	// FromZeros reports whether this instance's buffer was produced
	// by Zero rather than loaded from elsewhere.
	FromZeros() bool
	// IsNotZeros reports whether any element is non-zero.
	IsNotZeros() bool
	// Zero (re)initializes the buffer to all zeros at the given
	// dims/time range, marking FromZeros true.
	Zero(dims [3]int, tr TimeRange)
	// Random fills the buffer with pseudo-random data (tests only).
	Random(dims [3]int, tr TimeRange, rng *rand.Rand)
	// AddData copies subcube's data into self at grid index idx,
	// scaled by subcube's dims, across all of subcube's time samples.
	AddData(subcube Cuboid, idx Index) error
	// Overwrite assigns self[t,z,y,x] = input[...] wherever input is
	// non-zero, for time samples in sampleRange relative to input's
	// own t=0. Mismatched datatypes return DatatypeMismatch.
	Overwrite(input Cuboid, sampleRange TimeRange) error
	// OverwriteToBlack zeros self wherever mask is non-zero, for the
	// given time sample range.
	OverwriteToBlack(mask Cuboid, sampleRange TimeRange) error
	// Trim slices to a sub-block in place, retaining all time
	// samples; it must not alias the pre-trim backing array so later
	// mutation of the trimmed cuboid cannot affect any other
	// reference to the original buffer.
	Trim(xOffset, xSize, yOffset, ySize, zOffset, zSize int) error
	// ToBlosc serializes the entire 4-D buffer to wire bytes.
	ToBlosc() ([]byte, error)
	// ToBloscByTimeIndex serializes a single time sample (absolute
	// time index, not relative to TimeRange.Lo) as a (1,z,y,x) buffer.
	ToBloscByTimeIndex(t int) ([]byte, error)
	// FromBlosc decompresses into self. If blobs has length 1 it is
	// treated as the entire time range's buffer; otherwise each entry
	// is one time sample in ascending order and missingTimeSteps
	// (ascending, absolute time indices within timeRange) are filled
	// with zeros.
	FromBlosc(blobs [][]byte, timeRange TimeRange, missingTimeSteps []int) error
	// Clone returns a deep copy.
	Clone() Cuboid
}

// Create is the factory: it allocates a Cuboid of the element type the
// resource declares, sized for the given cube dims ([x,y,z] as stored
// in resource.CuboidSizes) and time range. Annotation channels
// declaring uint64 get the same layout with annotation-flavored
// semantics (overwrite-to-black enabled, id-bearing) — Cuboid does not
// need a distinct struct for that because AnnotationID detection is a
// datatype fact, not a layout fact.
func Create(dt resource.DataType, cubeSizeXYZ [3]int, timeRange *TimeRange) (Cuboid, error) {
	tr := TimeRange{0, 1}
	if timeRange != nil {
		tr = *timeRange
	}
	dims := [3]int{cubeSizeXYZ[2], cubeSizeXYZ[1], cubeSizeXYZ[0]}
	switch dt {
	case resource.Uint8:
		return newU8(dims, tr), nil
	case resource.Uint16:
		return newU16(dims, tr), nil
	case resource.Uint32:
		return newU32(dims, tr), nil
	case resource.Uint64:
		return newU64(dims, tr), nil
	case resource.Float32:
		return newF32(dims, tr), nil
	default:
		return nil, spdberr.Newf(spdberr.DatatypeNotSupported, "unsupported cuboid datatype %q", dt)
	}
}

// CreateFromResource is a convenience wrapper reading cube size from the
// resource's channel at the given resolution.
func CreateFromResource(res *resource.Resource, sizes *resource.CuboidSizes, resolution int, timeRange *TimeRange) (Cuboid, error) {
	dims := sizes.AtResolution(resolution)
	return Create(res.GetDataType(), dims, timeRange)
}

func validateSameType(a, b Cuboid) error {
	if a.Datatype() != b.Datatype() {
		return spdberr.Newf(spdberr.DatatypeMismatch, "cuboid datatype mismatch: %s vs %s", a.Datatype(), b.Datatype())
	}
	return nil
}

func dimsString(d [3]int) string {
	return fmt.Sprintf("[z=%d y=%d x=%d]", d[0], d[1], d[2])
}
