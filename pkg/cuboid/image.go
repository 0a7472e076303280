package cuboid

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"

	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/cuboid/kernel"
	"github.com/jhuapl-boss/spdb/pkg/resource"
)

// XYImage renders the Z slice at the given time sample as an 8-bit
// grayscale image in the XY plane.
func XYImage(c Cuboid, zIndex, tIndex int) (*image.Gray, error) {
	switch u := c.(type) {
	case *typed[uint8]:
		return xyImage(u, zIndex, tIndex)
	case *typed[uint16]:
		return xyImage(u, zIndex, tIndex)
	case *typed[uint32]:
		return xyImage(u, zIndex, tIndex)
	case *typed[uint64]:
		return xyImage(u, zIndex, tIndex)
	case *typed[float32]:
		return xyImage(u, zIndex, tIndex)
	default:
		return nil, spdberr.Newf(spdberr.DatatypeNotSupported, "XYImage: unsupported cuboid type %T", c)
	}
}

// XZImage renders the Y slice at the given time sample as an 8-bit
// grayscale image in the XZ plane, stretching the Z axis by zScale to
// compensate for anisotropic voxels (Z sections are typically thicker
// than the XY pixel pitch).
func XZImage(c Cuboid, zScale float64, yIndex, tIndex int) (*image.Gray, error) {
	switch u := c.(type) {
	case *typed[uint8]:
		return xzImage(u, zScale, yIndex, tIndex)
	case *typed[uint16]:
		return xzImage(u, zScale, yIndex, tIndex)
	case *typed[uint32]:
		return xzImage(u, zScale, yIndex, tIndex)
	case *typed[uint64]:
		return xzImage(u, zScale, yIndex, tIndex)
	case *typed[float32]:
		return xzImage(u, zScale, yIndex, tIndex)
	default:
		return nil, spdberr.Newf(spdberr.DatatypeNotSupported, "XZImage: unsupported cuboid type %T", c)
	}
}

// YZImage renders the X slice at the given time sample as an 8-bit
// grayscale image in the YZ plane, with the same Z-axis scaling as
// XZImage.
func YZImage(c Cuboid, zScale float64, xIndex, tIndex int) (*image.Gray, error) {
	switch u := c.(type) {
	case *typed[uint8]:
		return yzImage(u, zScale, xIndex, tIndex)
	case *typed[uint16]:
		return yzImage(u, zScale, xIndex, tIndex)
	case *typed[uint32]:
		return yzImage(u, zScale, xIndex, tIndex)
	case *typed[uint64]:
		return yzImage(u, zScale, xIndex, tIndex)
	case *typed[float32]:
		return yzImage(u, zScale, xIndex, tIndex)
	default:
		return nil, spdberr.Newf(spdberr.DatatypeNotSupported, "YZImage: unsupported cuboid type %T", c)
	}
}

func xyImage[T kernel.Numeric](c *typed[T], zIndex, tIndex int) (*image.Gray, error) {
	if tIndex < c.tr.Lo || tIndex >= c.tr.Hi || zIndex < 0 || zIndex >= c.dims[0] {
		return nil, spdberr.Newf(spdberr.SpdbError, "XYImage: z=%d t=%d out of bounds for cuboid %s", zIndex, tIndex, dimsString(c.dims))
	}
	yDim, xDim := c.dims[1], c.dims[2]
	zStride, yStride := c.strideZYX()
	base := (tIndex-c.tr.Lo)*c.tStride() + zIndex*zStride

	shift := grayShift(c.dtype)
	img := image.NewGray(image.Rect(0, 0, xDim, yDim))
	for y := 0; y < yDim; y++ {
		rowOff := base + y*yStride
		for x := 0; x < xDim; x++ {
			img.SetGray(x, y, color.Gray{Y: toGray8(c.data[rowOff+x], shift)})
		}
	}
	return img, nil
}

func xzImage[T kernel.Numeric](c *typed[T], zScale float64, yIndex, tIndex int) (*image.Gray, error) {
	if tIndex < c.tr.Lo || tIndex >= c.tr.Hi || yIndex < 0 || yIndex >= c.dims[1] {
		return nil, spdberr.Newf(spdberr.SpdbError, "XZImage: y=%d t=%d out of bounds for cuboid %s", yIndex, tIndex, dimsString(c.dims))
	}
	zDim, xDim := c.dims[0], c.dims[2]
	zStride, yStride := c.strideZYX()
	base := (tIndex-c.tr.Lo)*c.tStride() + yIndex*yStride

	shift := grayShift(c.dtype)
	src := image.NewGray(image.Rect(0, 0, xDim, zDim))
	for z := 0; z < zDim; z++ {
		rowOff := base + z*zStride
		for x := 0; x < xDim; x++ {
			src.SetGray(x, z, color.Gray{Y: toGray8(c.data[rowOff+x], shift)})
		}
	}
	return scaleZAxis(src, zScale), nil
}

func yzImage[T kernel.Numeric](c *typed[T], zScale float64, xIndex, tIndex int) (*image.Gray, error) {
	if tIndex < c.tr.Lo || tIndex >= c.tr.Hi || xIndex < 0 || xIndex >= c.dims[2] {
		return nil, spdberr.Newf(spdberr.SpdbError, "YZImage: x=%d t=%d out of bounds for cuboid %s", xIndex, tIndex, dimsString(c.dims))
	}
	zDim, yDim := c.dims[0], c.dims[1]
	zStride, yStride := c.strideZYX()
	base := (tIndex-c.tr.Lo)*c.tStride() + xIndex

	shift := grayShift(c.dtype)
	src := image.NewGray(image.Rect(0, 0, yDim, zDim))
	for z := 0; z < zDim; z++ {
		planeOff := base + z*zStride
		for y := 0; y < yDim; y++ {
			src.SetGray(y, z, color.Gray{Y: toGray8(c.data[planeOff+y*yStride], shift)})
		}
	}
	return scaleZAxis(src, zScale), nil
}

// scaleZAxis stretches src's height by zScale, leaving width unchanged,
// matching imagecube.py's PIL resize([width, int(z_dim*z_scale)]) call.
// A zScale of 1 (the isotropic case) is a no-op.
func scaleZAxis(src *image.Gray, zScale float64) *image.Gray {
	scaledHeight := int(float64(src.Bounds().Dy()) * zScale)
	if scaledHeight == src.Bounds().Dy() || scaledHeight < 1 {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, src.Bounds().Dx(), scaledHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// grayShift is the right-shift applied to bring a cuboid's native
// datatype down to 8-bit grayscale, mirroring imagecube.py's
// `point(lambda i: i * (1./256))` windowing for wider-than-8-bit
// channels.
func grayShift(dt resource.DataType) uint {
	bd := dt.BitDepth()
	if bd <= 8 {
		return 0
	}
	return uint(bd - 8)
}

func toGray8[T kernel.Numeric](v T, shift uint) uint8 {
	switch x := any(v).(type) {
	case uint8:
		return x
	case uint16:
		return uint8(uint32(x) >> shift)
	case uint32:
		return uint8(x >> shift)
	case uint64:
		return uint8(x >> shift)
	case float32:
		if x < 0 {
			return 0
		}
		if x > 255 {
			return 255
		}
		return uint8(x)
	default:
		return 0
	}
}
