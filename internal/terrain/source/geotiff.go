package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/geotiff" // model pixel scale, tiepoint and transformation tags
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tags used by the elevation reader.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGDALNodata      = 42113
)

const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// TIFF field type ids.
const (
	typeByte      = 1
	typeShort     = 3
	typeLong      = 4
	typeUndefined = 7
	typeFloat     = 11
	typeDouble    = 12
)

type tiffFile struct {
	order binary.ByteOrder
	buf   []byte
	ifd   tiff.IFD
}

// ReadGeoTIFF reads band 1 of a single-image GeoTIFF together with its
// ModelTiepoint/ModelPixelScale (or ModelTransformation) georeferencing.
func ReadGeoTIFF(path string) (*Raster, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := DecodeGeoTIFF(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeGeoTIFF decodes an in-memory GeoTIFF.
func DecodeGeoTIFF(buf []byte) (*Raster, error) {
	f, err := openTIFF(buf)
	if err != nil {
		return nil, err
	}
	width := int(f.uint(tagImageWidth, 0))
	height := int(f.uint(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad image size %dx%d", width, height)
	}
	if spp := f.uint(tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("unsupported samples per pixel: %d", spp)
	}
	bps := int(f.uint(tagBitsPerSample, 1))
	format := int(f.uint(tagSampleFormat, sampleUint))
	if _, err := sampleDecoder(format, bps, f.order); err != nil {
		return nil, err
	}

	data, err := f.samples(width, height, bps, format)
	if err != nil {
		return nil, err
	}
	r := &Raster{Rows: height, Cols: width, Data: data}
	if err := f.georef(r); err != nil {
		return nil, err
	}
	if raw, _, ok := f.field(tagGDALNodata); ok {
		s := strings.TrimRight(string(raw), "\x00 ")
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			r.Nodata = v
			r.HasNodata = true
		}
	}
	return r, nil
}

// openTIFF parses the header and directories; only the first image is used.
func openTIFF(buf []byte) (*tiffFile, error) {
	t, err := tiff.Parse(bytes.NewReader(buf), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("parse tiff: %w", err)
	}
	ifds := t.IFDs()
	if len(ifds) == 0 {
		return nil, fmt.Errorf("tiff has no image directory")
	}
	f := &tiffFile{order: binary.LittleEndian, buf: buf, ifd: ifds[0]}
	if buf[0] == 'M' {
		f.order = binary.BigEndian
	}
	return f, nil
}

// field returns the raw value bytes of tag and the TIFF type id.
func (f *tiffFile) field(tag uint16) ([]byte, uint16, bool) {
	if !f.ifd.HasField(tag) {
		return nil, 0, false
	}
	fld := f.ifd.GetField(tag)
	typ := fld.Type()
	raw := fld.Value().Bytes()
	if n := int(fld.Count()) * int(typ.Size()); n <= len(raw) {
		raw = raw[:n]
	}
	return raw, uint16(typ.ID()), true
}

func (f *tiffFile) has(tag uint16) bool { return f.ifd.HasField(tag) }

func (f *tiffFile) uints(tag uint16) []uint64 {
	raw, typ, ok := f.field(tag)
	if !ok {
		return nil
	}
	var out []uint64
	switch typ {
	case typeByte, typeUndefined:
		for _, b := range raw {
			out = append(out, uint64(b))
		}
	case typeShort:
		for i := 0; i+2 <= len(raw); i += 2 {
			out = append(out, uint64(f.order.Uint16(raw[i:])))
		}
	case typeLong:
		for i := 0; i+4 <= len(raw); i += 4 {
			out = append(out, uint64(f.order.Uint32(raw[i:])))
		}
	}
	return out
}

func (f *tiffFile) uint(tag uint16, def uint64) uint64 {
	if v := f.uints(tag); len(v) > 0 {
		return v[0]
	}
	return def
}

func (f *tiffFile) doubles(tag uint16) []float64 {
	raw, typ, ok := f.field(tag)
	if !ok {
		return nil
	}
	var out []float64
	switch typ {
	case typeDouble:
		for i := 0; i+8 <= len(raw); i += 8 {
			out = append(out, math.Float64frombits(f.order.Uint64(raw[i:])))
		}
	case typeFloat:
		for i := 0; i+4 <= len(raw); i += 4 {
			out = append(out, float64(math.Float32frombits(f.order.Uint32(raw[i:]))))
		}
	}
	return out
}

func (f *tiffFile) georef(r *Raster) error {
	scale := f.doubles(tagModelPixelScale)
	tie := f.doubles(tagModelTiepoint)
	if len(scale) >= 2 && len(tie) >= 6 {
		r.PixelScale = [2]float64{scale[0], scale[1]}
		// Tiepoint maps raster (i,j) to model (x,y); normalize to the top-left corner.
		r.Origin = [2]float64{tie[3] - tie[0]*scale[0], tie[4] + tie[1]*scale[1]}
		return nil
	}
	if m := f.doubles(tagModelTransform); len(m) >= 16 {
		if m[1] != 0 || m[4] != 0 {
			return fmt.Errorf("rotated model transformation is not supported")
		}
		r.PixelScale = [2]float64{m[0], -m[5]}
		r.Origin = [2]float64{m[3], m[7]}
		return nil
	}
	return fmt.Errorf("missing georeferencing tags")
}

func (f *tiffFile) samples(width, height, bps, format int) ([]float64, error) {
	if f.uint(tagPlanarConfig, 1) != 1 {
		return nil, fmt.Errorf("planar configuration %d is not supported", f.uint(tagPlanarConfig, 1))
	}
	chunkW, chunkH := width, int(f.uint(tagRowsPerStrip, uint64(height)))
	offsets, counts := f.uints(tagStripOffsets), f.uints(tagStripByteCounts)
	tiled := false
	if f.has(tagTileWidth) {
		tiled = true
		chunkW = int(f.uint(tagTileWidth, 0))
		chunkH = int(f.uint(tagTileLength, 0))
		offsets, counts = f.uints(tagTileOffsets), f.uints(tagTileByteCounts)
	}
	if chunkW <= 0 || chunkH <= 0 {
		return nil, fmt.Errorf("bad chunk size %dx%d", chunkW, chunkH)
	}
	if chunkH > height && !tiled {
		chunkH = height
	}
	across := (width + chunkW - 1) / chunkW
	down := (height + chunkH - 1) / chunkH
	if len(offsets) < across*down || len(counts) < across*down {
		return nil, fmt.Errorf("expected %d chunks, have %d offsets", across*down, len(offsets))
	}

	predictor := int(f.uint(tagPredictor, predictorNone))
	rowOrder := f.order
	switch predictor {
	case predictorNone, predictorHorizontal:
	case predictorFloat:
		if format != sampleFloat {
			return nil, fmt.Errorf("floating point predictor on integer samples")
		}
		rowOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("unsupported predictor %d", predictor)
	}
	decode, _ := sampleDecoder(format, bps, rowOrder)
	compression := int(f.uint(tagCompression, compressionNone))
	sampleBytes := bps / 8
	out := make([]float64, width*height)

	for cy := 0; cy < down; cy++ {
		for cx := 0; cx < across; cx++ {
			i := cy*across + cx
			start, n := int(offsets[i]), int(counts[i])
			if start < 0 || start+n > len(f.buf) {
				return nil, fmt.Errorf("chunk %d out of range", i)
			}
			rows := chunkH
			if !tiled && (cy+1)*chunkH > height {
				rows = height - cy*chunkH
			}
			raw, err := decompress(compression, f.buf[start:start+n])
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
			rowBytes := chunkW * sampleBytes
			if len(raw) < rows*rowBytes {
				return nil, fmt.Errorf("chunk %d: %d bytes, want %d", i, len(raw), rows*rowBytes)
			}
			for y := 0; y < rows; y++ {
				gy := cy*chunkH + y
				if gy >= height {
					break
				}
				row := raw[y*rowBytes : (y+1)*rowBytes]
				switch predictor {
				case predictorHorizontal:
					undoHorizontal(row, sampleBytes, f.order)
				case predictorFloat:
					row = undoFloatPredictor(row, sampleBytes)
				}
				for x := 0; x < chunkW; x++ {
					gx := cx*chunkW + x
					if gx >= width {
						break
					}
					out[gy*width+gx] = decode(row[x*sampleBytes:])
				}
			}
		}
	}
	return out, nil
}

func decompress(compression int, chunk []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		// predictors decode in place; keep the file buffer intact
		return append([]byte(nil), chunk...), nil
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(chunk))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(chunk), lzw.MSB, 8)
		defer lr.Close()
		return io.ReadAll(lr)
	}
	return nil, fmt.Errorf("unsupported compression %d", compression)
}

func sampleDecoder(format, bps int, order binary.ByteOrder) (func([]byte) float64, error) {
	switch {
	case format == sampleUint && bps == 8:
		return func(b []byte) float64 { return float64(b[0]) }, nil
	case format == sampleInt && bps == 8:
		return func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case format == sampleUint && bps == 16:
		return func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
	case format == sampleInt && bps == 16:
		return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
	case format == sampleUint && bps == 32:
		return func(b []byte) float64 { return float64(order.Uint32(b)) }, nil
	case format == sampleInt && bps == 32:
		return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
	case format == sampleFloat && bps == 32:
		return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
	case format == sampleFloat && bps == 64:
		return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
	}
	return nil, fmt.Errorf("unsupported sample format %d/%d bits", format, bps)
}

// undoHorizontal reverses TIFF predictor 2 in place for one row.
func undoHorizontal(row []byte, sampleBytes int, order binary.ByteOrder) {
	n := len(row) / sampleBytes
	for i := 1; i < n; i++ {
		cur, prev := row[i*sampleBytes:], row[(i-1)*sampleBytes:]
		switch sampleBytes {
		case 1:
			cur[0] += prev[0]
		case 2:
			order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
		case 4:
			order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
		case 8:
			order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
		}
	}
}

// undoFloatPredictor reverses TIFF predictor 3: a byte-wise horizontal
// difference over byte planes stored most significant plane first.
// The returned row holds big-endian samples.
func undoFloatPredictor(row []byte, sampleBytes int) []byte {
	for i := 1; i < len(row); i++ {
		row[i] += row[i-1]
	}
	n := len(row) / sampleBytes
	out := make([]byte, len(row))
	for i := 0; i < n; i++ {
		for b := 0; b < sampleBytes; b++ {
			out[i*sampleBytes+b] = row[b*n+i]
		}
	}
	return out
}
