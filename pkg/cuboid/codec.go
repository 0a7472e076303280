package cuboid

import (
	"bytes"
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/golang/snappy"
	"github.com/jhuapl-boss/spdb/internal/spdberr"
	"github.com/jhuapl-boss/spdb/pkg/cuboid/kernel"
	"github.com/klauspost/compress/zstd"
)

// envelope is the wire header preceding every compressed cuboid blob:
// a codec tag, a typesize (bits per element, matching blosc's typesize
// contract), and the element count. FromBlosc reads only the codec tag
// and sizes its buffer from the receiving cuboid's own dims and time
// range.
type envelope struct {
	Codec        uint8
	TypesizeBits uint32
	ElementCount uint64
}

const envelopeLen = 1 + 4 + 8

const (
	codecZstd   uint8 = 0
	codecSnappy uint8 = 1
)

// snappyFastPathBytes is the raw-payload size below which snappy's
// lower fixed overhead beats zstd's better ratio — small blocks (low
// resolutions, thin time slabs) dominate cutout traffic, so probing
// the typesize-prefixed envelope with a cheap codec there matters more
// than ratio.
const snappyFastPathBytes = 8192

var encoderPool = newZstdEncoderPool()

type zstdEncoderPool struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdEncoderPool() *zstdEncoderPool {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil)
	return &zstdEncoderPool{enc: enc, dec: dec}
}

// packBytes compresses a raw little-endian byte buffer into the
// typesize-prefixed wire envelope. Blosc itself is a C library with no
// practical pure-Go binding (see DESIGN.md); this models the same
// "single compressed blob, typesize known up front" contract, picking
// snappy for small payloads and zstd otherwise (see
// snappyFastPathBytes).
func packBytes(raw []byte, typesizeBits int, elementCount int) []byte {
	codec := codecZstd
	var compressed []byte
	if len(raw) <= snappyFastPathBytes {
		codec = codecSnappy
		compressed = snappy.Encode(nil, raw)
	} else {
		compressed = encoderPool.enc.EncodeAll(raw, nil)
	}

	hdr := make([]byte, envelopeLen)
	hdr[0] = codec
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(typesizeBits))
	binary.LittleEndian.PutUint64(hdr[5:13], uint64(elementCount))
	out := make([]byte, 0, len(hdr)+len(compressed))
	out = append(out, hdr...)
	out = append(out, compressed...)
	return out
}

func unpackBytes(blob []byte) (raw []byte, typesizeBits int, elementCount int, err error) {
	if len(blob) < envelopeLen {
		return nil, 0, 0, spdberr.New(spdberr.SerializationError, "blosc envelope truncated")
	}
	codec := blob[0]
	typesizeBits = int(binary.LittleEndian.Uint32(blob[1:5]))
	elementCount = int(binary.LittleEndian.Uint64(blob[5:13]))
	body := blob[envelopeLen:]

	switch codec {
	case codecSnappy:
		raw, err = snappy.Decode(nil, body)
	default:
		raw, err = encoderPool.dec.DecodeAll(body, nil)
	}
	if err != nil {
		return nil, 0, 0, spdberr.Wrap(err, spdberr.SerializationError, "failed to decompress cuboid blob")
	}
	return raw, typesizeBits, elementCount, nil
}

func bytesOf[T kernel.Numeric](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	buf := new(bytes.Buffer)
	buf.Grow(len(data) * sz)
	for _, v := range data {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func readInto[T kernel.Numeric](raw []byte, out []T) error {
	r := bytes.NewReader(raw)
	for i := range out {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return spdberr.Wrap(err, spdberr.SerializationError, "failed to decode cuboid element")
		}
	}
	return nil
}

func (c *typed[T]) ToBlosc() ([]byte, error) {
	raw := bytesOf(c.data)
	var zero T
	return packBytes(raw, int(unsafe.Sizeof(zero))*8, len(c.data)), nil
}

func (c *typed[T]) ToBloscByTimeIndex(t int) ([]byte, error) {
	localT := t - c.tr.Lo
	stride := c.tStride()
	if localT < 0 || (localT+1)*stride > len(c.data) {
		return nil, spdberr.Newf(spdberr.SerializationError, "time index %d out of range for cuboid time range %+v", t, c.tr)
	}
	slice := c.data[localT*stride : (localT+1)*stride]
	raw := bytesOf(slice)
	var zero T
	return packBytes(raw, int(unsafe.Sizeof(zero))*8, len(slice)), nil
}

// FromBlosc decompresses into self per the contract in spec.md §4.2: a
// single blob is the whole time range; a list is one time sample per
// entry with missingTimeSteps (absolute time indices within timeRange,
// ascending) zero-filled. The implementation walks a running index into
// blobs and into missingTimeSteps simultaneously, matching the
// original's missing_ts_gen generator.
func (c *typed[T]) FromBlosc(blobs [][]byte, timeRange TimeRange, missingTimeSteps []int) error {
	c.tr = timeRange
	stride := c.dims[0] * c.dims[1] * c.dims[2]
	c.data = make([]T, timeRange.Samples()*stride)

	if len(blobs) == 1 && len(missingTimeSteps) == 0 {
		raw, _, _, err := unpackBytes(blobs[0])
		if err != nil {
			return err
		}
		limit := len(c.data)
		if want := stride * timeRange.Samples(); want < limit {
			limit = want
		}
		if err := readInto(raw, c.data[:limit]); err != nil {
			return err
		}
		c.fromZeros = false
		return nil
	}

	missIdx := 0
	blobIdx := 0
	for dataIdx, t := 0, timeRange.Lo; t < timeRange.Hi; dataIdx, t = dataIdx+1, t+1 {
		if missIdx < len(missingTimeSteps) && missingTimeSteps[missIdx] == t {
			// Zero slab: c.data is already zeroed by make().
			missIdx++
			continue
		}
		if blobIdx >= len(blobs) {
			return spdberr.Newf(spdberr.SerializationError, "FromBlosc: insufficient blobs for time range %+v", timeRange)
		}
		raw, _, _, err := unpackBytes(blobs[blobIdx])
		if err != nil {
			return err
		}
		dst := c.data[dataIdx*stride : (dataIdx+1)*stride]
		if err := readInto(raw, dst); err != nil {
			return err
		}
		blobIdx++
	}
	c.fromZeros = false
	return nil
}
