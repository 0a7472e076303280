package cuboid

import (
	"math/rand"

	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/cuboid/kernel"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

// typed is the generic backing implementation for every concrete
// Cuboid element type. Data is stored C-contiguous in [t, z, y, x]
// order, matching the wire format.
type typed[T kernel.Numeric] struct {
	dims        [3]int // z, y, x
	tr          TimeRange
	data        []T
	morton      uint64
	hasMorton   bool
	fromZeros   bool
	dtype       resource.DataType
}

func newTyped[T kernel.Numeric](dims [3]int, tr TimeRange, dt resource.DataType) *typed[T] {
	c := &typed[T]{dims: dims, tr: tr, dtype: dt}
	c.data = make([]T, tr.Samples()*dims[0]*dims[1]*dims[2])
	c.fromZeros = true
	return c
}

func (c *typed[T]) Dims() [3]int             { return c.dims }
func (c *typed[T]) TimeRange() TimeRange     { return c.tr }
func (c *typed[T]) Datatype() resource.DataType { return c.dtype }
func (c *typed[T]) MortonID() (uint64, bool) { return c.morton, c.hasMorton }
func (c *typed[T]) SetMortonID(m uint64)     { c.morton, c.hasMorton = m, true }
func (c *typed[T]) FromZeros() bool          { return c.fromZeros }

func (c *typed[T]) IsNotZeros() bool {
	for _, v := range c.data {
		if v != 0 {
			return true
		}
	}
	return false
}

func (c *typed[T]) Zero(dims [3]int, tr TimeRange) {
	c.dims, c.tr = dims, tr
	c.data = make([]T, tr.Samples()*dims[0]*dims[1]*dims[2])
	c.fromZeros = true
}

func (c *typed[T]) Random(dims [3]int, tr TimeRange, rng *rand.Rand) {
	c.dims, c.tr = dims, tr
	c.data = make([]T, tr.Samples()*dims[0]*dims[1]*dims[2])
	for i := range c.data {
		c.data[i] = T(rng.Intn(251) + 1)
	}
	c.fromZeros = false
}

func (c *typed[T]) strideZYX() (zStride, yStride int) {
	yStride = c.dims[2]
	zStride = c.dims[1] * c.dims[2]
	return
}

func (c *typed[T]) tStride() int {
	z, _ := c.strideZYX()
	return z * c.dims[0]
}

func (c *typed[T]) AddData(subcube Cuboid, idx Index) error {
	sub, ok := subcube.(*typed[T])
	if !ok {
		return spdberr.New(spdberr.DatatypeMismatch, "AddData: subcube datatype mismatch")
	}
	if err := validateSameType(c, sub); err != nil {
		return err
	}
	xOff := idx.X * sub.dims[2]
	yOff := idx.Y * sub.dims[1]
	zOff := idx.Z * sub.dims[0]
	if xOff+sub.dims[2] > c.dims[2] || yOff+sub.dims[1] > c.dims[1] || zOff+sub.dims[0] > c.dims[0] {
		return spdberr.Newf(spdberr.SpdbError, "AddData: subcube %s at %+v exceeds bounds %s", dimsString(sub.dims), idx, dimsString(c.dims))
	}
	selfZStride, selfYStride := c.strideZYX()
	subZStride, subYStride := sub.strideZYX()
	selfTStride := c.tStride()
	subTStride := sub.tStride()

	tBase := sub.tr.Lo - c.tr.Lo
	for t := 0; t < sub.tr.Samples(); t++ {
		if tBase+t < 0 || tBase+t >= c.tr.Samples() {
			continue
		}
		for z := 0; z < sub.dims[0]; z++ {
			for y := 0; y < sub.dims[1]; y++ {
				srcOff := t*subTStride + z*subZStride + y*subYStride
				dstOff := (tBase+t)*selfTStride + (zOff+z)*selfZStride + (yOff+y)*selfYStride + xOff
				copy(c.data[dstOff:dstOff+sub.dims[2]], sub.data[srcOff:srcOff+sub.dims[2]])
			}
		}
	}
	c.fromZeros = false
	return nil
}

func (c *typed[T]) Overwrite(input Cuboid, sampleRange TimeRange) error {
	in, ok := input.(*typed[T])
	if !ok {
		return spdberr.New(spdberr.DatatypeMismatch, "Overwrite: input datatype mismatch")
	}
	if err := validateSameType(c, in); err != nil {
		return err
	}
	n := c.dims[0] * c.dims[1] * c.dims[2]
	selfTStride := c.tStride()
	inTStride := in.tStride()
	for t := sampleRange.Lo; t < sampleRange.Hi; t++ {
		srcBase := (t - sampleRange.Lo) * inTStride
		dstBase := t * selfTStride
		if srcBase < 0 || srcBase+n > len(in.data) || dstBase < 0 || dstBase+n > len(c.data) {
			continue
		}
		kernel.OverwriteDense(c.data[dstBase:dstBase+n], in.data[srcBase:srcBase+n])
	}
	c.fromZeros = false
	return nil
}

func (c *typed[T]) OverwriteToBlack(mask Cuboid, sampleRange TimeRange) error {
	m, ok := mask.(*typed[T])
	if !ok {
		return spdberr.New(spdberr.DatatypeMismatch, "OverwriteToBlack: mask datatype mismatch")
	}
	n := c.dims[0] * c.dims[1] * c.dims[2]
	selfTStride := c.tStride()
	mTStride := m.tStride()
	for t := sampleRange.Lo; t < sampleRange.Hi; t++ {
		srcBase := (t - sampleRange.Lo) * mTStride
		dstBase := t * selfTStride
		if srcBase < 0 || srcBase+n > len(m.data) || dstBase < 0 || dstBase+n > len(c.data) {
			continue
		}
		kernel.OverwriteToBlack(c.data[dstBase:dstBase+n], m.data[srcBase:srcBase+n])
	}
	return nil
}

func (c *typed[T]) Trim(xOffset, xSize, yOffset, ySize, zOffset, zSize int) error {
	if xOffset < 0 || yOffset < 0 || zOffset < 0 ||
		xOffset+xSize > c.dims[2] || yOffset+ySize > c.dims[1] || zOffset+zSize > c.dims[0] {
		return spdberr.Newf(spdberr.SpdbError, "Trim: region out of bounds for cuboid %s", dimsString(c.dims))
	}
	newDims := [3]int{zSize, ySize, xSize}
	out := make([]T, c.tr.Samples()*zSize*ySize*xSize)
	selfZStride, selfYStride := c.strideZYX()
	selfTStride := c.tStride()
	outYStride := xSize
	outZStride := ySize * xSize
	outTStride := zSize * outZStride
	for t := 0; t < c.tr.Samples(); t++ {
		for z := 0; z < zSize; z++ {
			for y := 0; y < ySize; y++ {
				srcOff := t*selfTStride + (zOffset+z)*selfZStride + (yOffset+y)*selfYStride + xOffset
				dstOff := t*outTStride + z*outZStride + y*outYStride
				copy(out[dstOff:dstOff+xSize], c.data[srcOff:srcOff+xSize])
			}
		}
	}
	c.data = out
	c.dims = newDims
	return nil
}

func (c *typed[T]) Clone() Cuboid {
	out := &typed[T]{dims: c.dims, tr: c.tr, dtype: c.dtype, morton: c.morton, hasMorton: c.hasMorton, fromZeros: c.fromZeros}
	out.data = make([]T, len(c.data))
	copy(out.data, c.data)
	return out
}
