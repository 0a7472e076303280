package cuboid

import (
	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/cuboid/kernel"
)

// ZoomIn upsamples c by 2x, steps times, applying kernel.ZoomIn2x once
// per step and replicating it across every time sample. It is the
// post-assembly counterpart of the resolution-resampling decision
// (spec.md §4.7 step 7 / original_source's zoomData): when an
// annotation layer's cutout is fetched at a coarser base resolution
// than requested, the assembled cube is zoomed in the requested
// number of factors of 2 before the final trim. steps<=0 returns c
// unchanged.
func ZoomIn(c Cuboid, steps int, isotropic bool) (Cuboid, error) {
	return zoomSteps(c, steps, isotropic, false)
}

// ZoomOut downsamples c by 2x, steps times, the symmetric inverse of
// ZoomIn used when a layer's cutout is fetched at a finer base
// resolution than requested (original_source's downScale).
func ZoomOut(c Cuboid, steps int, isotropic bool) (Cuboid, error) {
	return zoomSteps(c, steps, isotropic, true)
}

func zoomSteps(c Cuboid, steps int, isotropic, out bool) (Cuboid, error) {
	if steps <= 0 {
		return c, nil
	}
	switch u := c.(type) {
	case *typed[uint8]:
		return zoomStepsT(u, steps, isotropic, out)
	case *typed[uint16]:
		return zoomStepsT(u, steps, isotropic, out)
	case *typed[uint32]:
		return zoomStepsT(u, steps, isotropic, out)
	case *typed[uint64]:
		return zoomStepsT(u, steps, isotropic, out)
	case *typed[float32]:
		return zoomStepsT(u, steps, isotropic, out)
	default:
		return nil, spdberr.Newf(spdberr.DatatypeNotSupported, "zoom: unsupported cuboid type %T", c)
	}
}

func zoomStepsT[T kernel.Numeric](c *typed[T], steps int, isotropic, zoomOut bool) (Cuboid, error) {
	dims := c.dims
	data := c.data
	samples := c.tr.Samples()

	for i := 0; i < steps; i++ {
		inStride := dims[0] * dims[1] * dims[2]
		outDims := dims
		if zoomOut {
			outDims[1], outDims[2] = dims[1]/2, dims[2]/2
			if isotropic {
				outDims[0] = dims[0] / 2
			}
		} else {
			outDims[1], outDims[2] = dims[1]*2, dims[2]*2
			if isotropic {
				outDims[0] = dims[0] * 2
			}
		}
		outStride := outDims[0] * outDims[1] * outDims[2]
		outData := make([]T, samples*outStride)

		for t := 0; t < samples; t++ {
			inSlab := data[t*inStride : (t+1)*inStride]
			outSlab := outData[t*outStride : (t+1)*outStride]
			if zoomOut {
				kernel.ZoomOut2x(outSlab, inSlab, dims, isotropic)
			} else {
				kernel.ZoomIn2x(outSlab, inSlab, dims, isotropic)
			}
		}

		data = outData
		dims = outDims
	}

	out := &typed[T]{dims: dims, tr: c.tr, dtype: c.dtype}
	out.data = data
	return out, nil
}
