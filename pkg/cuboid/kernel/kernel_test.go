package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverwriteDenseLeavesZerosUntouched(t *testing.T) {
	out := []uint8{1, 2, 3, 4}
	in := []uint8{0, 9, 0, 8}
	OverwriteDense(out, in)
	assert.Equal(t, []uint8{1, 9, 3, 8}, out)
}

func TestOverwriteDenseIsIdempotent(t *testing.T) {
	out := []uint8{1, 2, 3, 4}
	in := []uint8{0, 9, 0, 8}
	OverwriteDense(out, in)
	once := append([]uint8(nil), out...)
	OverwriteDense(out, in)
	assert.Equal(t, once, out)
}

func TestOverwriteDenseParallelMatchesSerial(t *testing.T) {
	in := make([]uint32, 1000)
	for i := range in {
		if i%3 == 0 {
			in[i] = uint32(i + 1)
		}
	}
	serial := make([]uint32, len(in))
	parallel := make([]uint32, len(in))

	OverwriteDense(serial, in)
	OverwriteDenseParallel(parallel, in, 4)
	assert.Equal(t, serial, parallel)
}

func TestOverwriteToBlackZeroesMaskedVoxels(t *testing.T) {
	out := []uint16{10, 20, 30}
	mask := []uint16{0, 1, 0}
	OverwriteToBlack(out, mask)
	assert.Equal(t, []uint16{10, 0, 30}, out)
}

func TestFilterKeepsOnlyListedIDs(t *testing.T) {
	out := make([]uint64, 5)
	in := []uint64{1, 2, 3, 4, 5}
	keep := []uint64{2, 4}
	Filter(out, in, keep)
	assert.Equal(t, []uint64{0, 2, 0, 4, 0}, out)
}

func TestFilterParallelMatchesSerial(t *testing.T) {
	in := make([]uint64, 500)
	for i := range in {
		in[i] = uint64(i % 17)
	}
	keep := []uint64{2, 5, 9, 16}

	serial := make([]uint64, len(in))
	parallel := make([]uint64, len(in))
	Filter(serial, in, keep)
	FilterParallel(parallel, in, keep, 5)
	assert.Equal(t, serial, parallel)
}

func TestRecolorWrapsModuloColormapSize(t *testing.T) {
	var cmap Colormap
	cmap[1] = [4]uint8{0xAA, 0xBB, 0xCC, 0xDD}
	out := make([]uint32, 1)
	in := []uint32{257} // 257 % 256 == 1
	Recolor(out, in, &cmap)
	assert.Equal(t, uint32(0xAABBCCDD), out[0])
}

func TestUniqueSortsAscendingAndDedupes(t *testing.T) {
	in := []uint32{5, 1, 5, 3, 1, 2}
	assert.Equal(t, []uint32{1, 2, 3, 5}, Unique(in))
}

func TestZoomOut2xTakesNearCorner(t *testing.T) {
	// 1x4x4 (z,y,x) block, values 0..15 row-major.
	in := make([]uint8, 16)
	for i := range in {
		in[i] = uint8(i)
	}
	out := make([]uint8, 4)
	dims := ZoomOut2x(out, in, [3]int{1, 4, 4}, false)
	assert.Equal(t, [3]int{1, 2, 2}, dims)
	assert.Equal(t, []uint8{0, 2, 8, 10}, out)
}

func TestZoomOut2xIsotropicHalvesZToo(t *testing.T) {
	// 2x2x2 block.
	in := make([]uint8, 8)
	for i := range in {
		in[i] = uint8(i)
	}
	out := make([]uint8, 1)
	dims := ZoomOut2x(out, in, [3]int{2, 2, 2}, true)
	assert.Equal(t, [3]int{1, 1, 1}, dims)
	assert.Equal(t, []uint8{0}, out)
}

func TestZoomIn2xReplicatesEachSource(t *testing.T) {
	in := []uint8{7}
	out := make([]uint8, 4)
	dims := ZoomIn2x(out, in, [3]int{1, 1, 1}, false)
	assert.Equal(t, [3]int{1, 2, 2}, dims)
	assert.Equal(t, []uint8{7, 7, 7, 7}, out)
}

func TestZoomOutThenZoomInRoundTripsBlockBoundaries(t *testing.T) {
	in := make([]uint8, 16)
	for i := range in {
		in[i] = uint8(i)
	}
	zoomedOut := make([]uint8, 4)
	ZoomOut2x(zoomedOut, in, [3]int{1, 4, 4}, false)
	zoomedIn := make([]uint8, 16)
	dims := ZoomIn2x(zoomedIn, zoomedOut, [3]int{1, 2, 2}, false)
	assert.Equal(t, [3]int{1, 4, 4}, dims)
	// Every 2x2 output block carries its source corner's value.
	assert.Equal(t, zoomedOut[0], zoomedIn[0])
	assert.Equal(t, zoomedOut[1], zoomedIn[2])
}

func TestIsotropicBuildAveragesSlabs(t *testing.T) {
	a := []uint8{10, 20}
	b := []uint8{20, 30}
	out := make([]uint8, 2)
	IsotropicBuild(out, a, b)
	assert.Equal(t, []uint8{15, 25}, out)
}

func TestIsotropicBuildAveragesFloat(t *testing.T) {
	a := []float32{1.0, 3.0}
	b := []float32{2.0, 5.0}
	out := make([]float32, 2)
	IsotropicBuild(out, a, b)
	assert.Equal(t, []float32{1.5, 4.0}, out)
}
