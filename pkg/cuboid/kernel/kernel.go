// Package kernel implements the dense elementwise operations the
// cuboid layer performs on typed voxel slices: overwrite, masking,
// id-set filtering, false-color recoloring, uniqueness, and the
// resolution up/down-sampling and isotropic-build operators. These are
// specified as pure functions over generic numeric slices (spec.md
// §4.3); the native ctypes/OpenMP bridge in the original implementation
// has no counterpart here beyond the parallel variants, which are
// correctness-equivalent accelerations, not separate contracts.
package kernel

// Numeric is the set of element types a Cuboid may hold.
type Numeric interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32
}

// OverwriteDense assigns out[i] = in[i] wherever in[i] != 0, leaving out
// unchanged elsewhere. Idempotent: applying it twice with the same in
// yields the same result as once.
func OverwriteDense[T Numeric](out, in []T) {
	n := len(out)
	if len(in) < n {
		n = len(in)
	}
	for i := 0; i < n; i++ {
		if in[i] != 0 {
			out[i] = in[i]
		}
	}
}

// OverwriteDenseParallel is a goroutine-sharded, correctness-equivalent
// acceleration of OverwriteDense over contiguous element chunks.
func OverwriteDenseParallel[T Numeric](out, in []T, workers int) {
	parallelOverSlabs(len(out), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if in[i] != 0 {
				out[i] = in[i]
			}
		}
	})
}

// OverwriteToBlack zeros out[i] wherever mask[i] != 0.
func OverwriteToBlack[T Numeric](out, mask []T) {
	n := len(out)
	if len(mask) < n {
		n = len(mask)
	}
	for i := 0; i < n; i++ {
		if mask[i] != 0 {
			out[i] = 0
		}
	}
}

// Filter zeros every element of in not present in sortedIDSet (which
// must be sorted ascending), writing the result to out. out and in may
// alias.
func Filter[T Numeric](out, in []T, sortedIDSet []T) {
	for i, v := range in {
		if containsSorted(sortedIDSet, v) {
			out[i] = v
		} else {
			out[i] = 0
		}
	}
}

// FilterParallel is a goroutine-sharded, correctness-equivalent
// acceleration of Filter.
func FilterParallel[T Numeric](out, in []T, sortedIDSet []T, workers int) {
	parallelOverSlabs(len(in), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if containsSorted(sortedIDSet, in[i]) {
				out[i] = in[i]
			} else {
				out[i] = 0
			}
		}
	})
}

func containsSorted[T Numeric](sorted []T, v T) bool {
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(sorted) && sorted[lo] == v
}

// Colormap is a 256-entry RGBA false-color table.
type Colormap [256][4]uint8

// Recolor maps in[i] through colormap by taking in[i] mod 256 as index,
// writing packed RGBA into out (as 0xRRGGBBAA-ordered uint32). Used only
// for false-color annotation rendering.
func Recolor[T Numeric](out []uint32, in []T, cmap *Colormap) {
	for i, v := range in {
		idx := uint64(v) % 256
		c := cmap[idx]
		out[i] = uint32(c[0])<<24 | uint32(c[1])<<16 | uint32(c[2])<<8 | uint32(c[3])
	}
}

// Unique returns each distinct value in in exactly once, sorted
// ascending.
func Unique[T Numeric](in []T) []T {
	seen := make(map[T]struct{})
	for _, v := range in {
		seen[v] = struct{}{}
	}
	out := make([]T, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sortNumeric(out)
	return out
}

func sortNumeric[T Numeric](s []T) {
	// insertion sort keeps this allocation-free for the modest
	// per-cuboid id-set sizes this is called on; swap for sort.Slice
	// if cuboids with very large id cardinality show up in profiling.
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// ZoomOut2x downsamples by a factor of 2 in x and y, and in z as well
// when isotropic is true. The sampling rule takes the (0,0) corner of
// each 2x2 (or 2x2x2) block — nearest-neighbour — and that rule must
// stay stable across every call site so repeated downsampling steps
// compose predictably.
func ZoomOut2x[T Numeric](out, in []T, dims [3]int, isotropic bool) [3]int {
	z, y, x := dims[0], dims[1], dims[2]
	outZ, outY, outX := z, y/2, x/2
	if isotropic {
		outZ = z / 2
	}
	inYStride, inZStride := x, x*y
	outYStride, outZStride := outX, outX*outY
	zStep := 1
	if isotropic {
		zStep = 2
	}
	for oz := 0; oz < outZ; oz++ {
		iz := oz * zStep
		for oy := 0; oy < outY; oy++ {
			iy := oy * 2
			for ox := 0; ox < outX; ox++ {
				ix := ox * 2
				out[oz*outZStride+oy*outYStride+ox] = in[iz*inZStride+iy*inYStride+ix]
			}
		}
	}
	return [3]int{outZ, outY, outX}
}

// ZoomIn2x upsamples by a factor of 2 in x and y (and z when isotropic),
// replicating each source element over its 2x2 (or 2x2x2) output block.
func ZoomIn2x[T Numeric](out, in []T, dims [3]int, isotropic bool) [3]int {
	z, y, x := dims[0], dims[1], dims[2]
	outZ, outY, outX := z, y*2, x*2
	if isotropic {
		outZ = z * 2
	}
	inYStride, inZStride := x, x*y
	outYStride, outZStride := outX, outX*outY
	zStep := 1
	if isotropic {
		zStep = 2
	}
	for iz := 0; iz < z; iz++ {
		for iy := 0; iy < y; iy++ {
			for ix := 0; ix < x; ix++ {
				v := in[iz*inZStride+iy*inYStride+ix]
				for dz := 0; dz < zStep; dz++ {
					for dy := 0; dy < 2; dy++ {
						for dx := 0; dx < 2; dx++ {
							oz, oy, ox := iz*zStep+dz, iy*2+dy, ix*2+dx
							out[oz*outZStride+oy*outYStride+ox] = v
						}
					}
				}
			}
		}
	}
	return [3]int{outZ, outY, outX}
}

// IsotropicBuild averages two z-adjacent slabs into one, saturating on
// T's range (unsigned types cannot go negative so only upper saturation
// applies; float32 has no saturation).
func IsotropicBuild[T Numeric](out, a, b []T) {
	for i := range out {
		out[i] = average(a[i], b[i])
	}
}

func average[T Numeric](a, b T) T {
	var az, bz any = a, b
	if af, ok := az.(float32); ok {
		bf := bz.(float32)
		return T(any((af + bf) / 2).(float32))
	}
	ua, ub := uint64(a), uint64(b)
	return T(ua/2 + ub/2 + (ua & ub & 1))
}

func parallelOverSlabs(n, workers int, fn func(lo, hi int)) {
	if workers < 1 {
		workers = 1
	}
	if n == 0 {
		return
	}
	chunk := (n + workers - 1) / workers
	done := make(chan struct{}, workers)
	started := 0
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		started++
		go func(lo, hi int) {
			fn(lo, hi)
			done <- struct{}{}
		}(lo, hi)
	}
	for i := 0; i < started; i++ {
		<-done
	}
}
