package source

import (
	"archive/zip"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// HGTVoid marks SRTM data voids.
const HGTVoid = -32768

// ReadHGT reads an SRTM1/SRTM3 tile (.hgt, or a .hgt.zip holding one).
// Samples are big-endian int16 meters, row 0 at the northern edge. Tiles are
// named by their south-west corner (N28W018) and overlap their neighbours
// by one row and column. Samples sit on the degree lines, so the raster's
// top-left corner is half a pixel outside the tile's nominal extent.
func ReadHGT(path string) (*Raster, error) {
	lat, lon, err := ParseHGTName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	var b []byte
	if strings.HasSuffix(strings.ToLower(path), ".zip") {
		b, err = readZippedHGT(path)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	r, err := DecodeHGT(b, lat, lon)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeHGT decodes raw HGT bytes for the tile whose south-west corner is (lat, lon).
func DecodeHGT(b []byte, lat, lon int) (*Raster, error) {
	side := int(math.Sqrt(float64(len(b) / 2)))
	if side < 2 || side*side*2 != len(b) {
		return nil, fmt.Errorf("bad # bytes %d, not a square int16 grid", len(b))
	}
	data := make([]float64, side*side)
	for i := range data {
		data[i] = float64(int16(uint16(b[2*i])<<8 | uint16(b[2*i+1])))
	}
	step := 1 / float64(side-1)
	return &Raster{
		Rows:       side,
		Cols:       side,
		Data:       data,
		Origin:     [2]float64{float64(lon) - step/2, float64(lat+1) + step/2},
		PixelScale: [2]float64{step, step},
		Nodata:     HGTVoid,
		HasNodata:  true,
	}, nil
}

// ParseHGTName extracts the south-west corner from names like "N28W018.hgt".
func ParseHGTName(name string) (lat, lon int, err error) {
	var ns, ew string
	if _, err := fmt.Sscanf(strings.ToUpper(name), "%1s%d%1s%d", &ns, &lat, &ew, &lon); err != nil {
		return 0, 0, fmt.Errorf("bad hgt tile name %q: %w", name, err)
	}
	switch ns {
	case "N":
	case "S":
		lat = -lat
	default:
		return 0, 0, fmt.Errorf("bad hgt tile name %q", name)
	}
	switch ew {
	case "E":
	case "W":
		lon = -lon
	default:
		return 0, 0, fmt.Errorf("bad hgt tile name %q", name)
	}
	return lat, lon, nil
}

func readZippedHGT(path string) ([]byte, error) {
	z, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer z.Close()
	for _, sf := range z.File {
		if strings.HasPrefix(filepath.Base(sf.Name), ".") || !strings.HasSuffix(strings.ToLower(sf.Name), ".hgt") {
			continue
		}
		f, err := sf.Open()
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(f)
		f.Close()
		return b, err
	}
	return nil, fmt.Errorf("%s: no .hgt entry in archive", path)
}
