package geopix

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFP     = 3
	rasterTypePixelIsPoint = 2
	userDefined            = 32767
)

var errShortRead = errors.New("short read")

// A BlockCoord is the coordinate of a tile or strip.
type BlockCoord struct {
	C int // Column.
	R int // Row.
}

type readAtSeeker interface {
	io.ReaderAt
	io.ReadSeeker
}

// A GeoTIFF is an open single band GeoTIFF file.
type GeoTIFF struct {
	file                fs.File
	r                   readAtSeeker
	byteOrder           binary.ByteOrder
	tiled               bool
	imageWidth          int
	imageLength         int
	blockWidth          int
	blockLength         int
	blocksAcross        int
	blocksDown          int
	blockOffsets        []uint64
	blockByteCounts     []uint64
	compression         int
	predictor           int
	samplesPerPixel     int
	sampleFormat        int
	bitsPerSample       int
	noData              float64
	hasNoData           bool
	blockCacheSizeBytes int
	blockSamplesCache   *otter.Cache[BlockCoord, []float64]
	geotransform        Geotransform
	geotransformErr     error
	geoKeys             *ParsedGeoKeys
}

// A GeoTIFFOption sets an option on a GeoTIFF.
type GeoTIFFOption func(*GeoTIFF)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint16    `tiff:"field,tag=256"`
	ImageLength               uint16    `tiff:"field,tag=257"`
	BitsPerSample             []uint16  `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint16    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag    []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// OpenGeoTIFF opens filename in fsys.
func OpenGeoTIFF(fsys fs.FS, filename string, options ...GeoTIFFOption) (*GeoTIFF, error) {
	var err error
	ok := false

	g := &GeoTIFF{
		blockCacheSizeBytes: 128 << 20, // 128MB.
	}
	for _, option := range options {
		option(g)
	}

	g.file, err = fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			_ = g.file.Close()
		}
	}()
	r, isReadAtSeeker := g.file.(readAtSeeker)
	if !isReadAtSeeker {
		return nil, errors.ErrUnsupported
	}
	g.r = r

	header := make([]byte, 2)
	if _, err := g.r.ReadAt(header, 0); err != nil {
		return nil, err
	}
	switch string(header) {
	case "II":
		g.byteOrder = binary.LittleEndian
	case "MM":
		g.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s: not a TIFF file", filename)
	}

	tiffTIFF, err := tiff.Parse(g.r, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, fmt.Errorf("%s: no IFDs", filename)
	}

	// Overviews and masks live in later IFDs.
	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if err := g.initLayout(&ifd); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	if gdalNoData := strings.Trim(ifd.GDALNoData, " \t\n\x00"); gdalNoData != "" {
		noData, err := strconv.ParseFloat(gdalNoData, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: GDAL_NODATA %q: %w", filename, ifd.GDALNoData, err)
		}
		if g.sampleFormat == sampleFormatIEEEFP && g.bitsPerSample == 32 {
			noData = float64(float32(noData))
		}
		g.noData = noData
		g.hasNoData = true
	}

	if len(ifd.GeoKeyDirectoryTag) != 0 {
		g.geoKeys, err = ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return nil, fmt.Errorf("%s: geokeys: %w", filename, err)
		}
	}
	g.geotransform, g.geotransformErr = modelGeotransform(&ifd, g.geoKeys)

	blockBytes := 8 * g.blockWidth * g.blockLength
	blockCacheCount := max(g.blockCacheSizeBytes/blockBytes, 1)
	g.blockSamplesCache, err = otter.New(&otter.Options[BlockCoord, []float64]{
		MaximumSize: blockCacheCount,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return g, nil
}

// WithBlockCacheSize sets the size of the decoded block cache in bytes.
func WithBlockCacheSize(blockCacheSize int) GeoTIFFOption {
	return func(g *GeoTIFF) {
		g.blockCacheSizeBytes = blockCacheSize
	}
}

// initLayout checks that the IFD describes a supported raster and records its
// block layout.
func (g *GeoTIFF) initLayout(ifd *geoTIFFIFD) error {
	// Only the first band of chunky rasters is read.
	g.samplesPerPixel = max(int(ifd.SamplesPerPixel), 1)
	if g.samplesPerPixel > 1 && ifd.PlanarConfiguration > 1 {
		return fmt.Errorf("planar configuration %d: %w", ifd.PlanarConfiguration, errors.ErrUnsupported)
	}

	g.compression = max(int(ifd.Compression), compressionNone)
	switch g.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("compression %d: %w", g.compression, errors.ErrUnsupported)
	}

	g.predictor = max(int(ifd.Predictor), predictorNone)
	if g.predictor != predictorNone && g.predictor != predictorHorizontal {
		return fmt.Errorf("predictor %d: %w", g.predictor, errors.ErrUnsupported)
	}

	g.sampleFormat = sampleFormatUint
	if len(ifd.SampleFormat) != 0 {
		g.sampleFormat = max(int(ifd.SampleFormat[0]), sampleFormatUint)
	}
	g.bitsPerSample = 1
	if len(ifd.BitsPerSample) != 0 {
		g.bitsPerSample = int(ifd.BitsPerSample[0])
	}
	for _, bitsPerSample := range ifd.BitsPerSample {
		if int(bitsPerSample) != g.bitsPerSample {
			return fmt.Errorf("mixed bits per sample %v: %w", ifd.BitsPerSample, errors.ErrUnsupported)
		}
	}
	switch {
	case g.sampleFormat == sampleFormatIEEEFP && (g.bitsPerSample == 32 || g.bitsPerSample == 64):
	case (g.sampleFormat == sampleFormatUint || g.sampleFormat == sampleFormatInt) &&
		(g.bitsPerSample == 8 || g.bitsPerSample == 16 || g.bitsPerSample == 32 || g.bitsPerSample == 64):
	default:
		return fmt.Errorf("sample format %d with %d bits: %w", g.sampleFormat, g.bitsPerSample, errors.ErrUnsupported)
	}

	g.imageWidth = int(ifd.ImageWidth)
	g.imageLength = int(ifd.ImageLength)
	if g.imageWidth == 0 || g.imageLength == 0 {
		return errors.New("empty image")
	}

	if ifd.TileWidth != 0 {
		g.tiled = true
		g.blockWidth = int(ifd.TileWidth)
		g.blockLength = int(ifd.TileLength)
		g.blockOffsets = ifd.TileOffsets
		g.blockByteCounts = ifd.TileByteCounts
	} else {
		g.blockWidth = g.imageWidth
		g.blockLength = int(ifd.RowsPerStrip)
		if g.blockLength == 0 || g.blockLength > g.imageLength {
			g.blockLength = g.imageLength
		}
		g.blockOffsets = ifd.StripOffsets
		g.blockByteCounts = ifd.StripByteCounts
	}
	if g.blockWidth == 0 || g.blockLength == 0 {
		return errors.New("zero block size")
	}
	g.blocksAcross = (g.imageWidth + g.blockWidth - 1) / g.blockWidth
	g.blocksDown = (g.imageLength + g.blockLength - 1) / g.blockLength
	blocksPerImage := g.blocksAcross * g.blocksDown
	if len(g.blockByteCounts) != blocksPerImage || len(g.blockOffsets) != blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	return nil
}

// modelGeotransform returns the geotransform described by ifd.
func modelGeotransform(ifd *geoTIFFIFD, geoKeys *ParsedGeoKeys) (Geotransform, error) {
	var geotransform Geotransform
	switch {
	case len(ifd.ModelTransformationTag) == 16:
		m := ifd.ModelTransformationTag
		geotransform = Geotransform{m[3], m[0], m[1], m[7], m[4], m[5]}
	case len(ifd.ModelPixelScaleTag) >= 2 && len(ifd.ModelTiepointTag) >= 6:
		scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
		i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
		x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
		geotransform = Geotransform{x - i*scaleX, scaleX, 0, y + j*scaleY, 0, -scaleY}
	default:
		return Geotransform{}, fmt.Errorf("%w: no georeferencing tags", ErrMalformedGeotransform)
	}

	// Move the origin from the center to the corner of the first pixel.
	if geoKeys != nil && geoKeys.Params[GeoKeyGTRasterType] == rasterTypePixelIsPoint {
		originX, originY := geotransform.Apply(-0.5, -0.5)
		geotransform[0], geotransform[3] = originX, originY
	}

	return geotransform, geotransform.Validate()
}

// Close closes g's underlying file.
func (g *GeoTIFF) Close() error {
	return g.file.Close()
}

// Bounds returns g's pixel bounds.
func (g *GeoTIFF) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.imageWidth, g.imageLength)
}

// GeoTransform returns g's geotransform.
func (g *GeoTIFF) GeoTransform() (Geotransform, error) {
	return g.geotransform, g.geotransformErr
}

// AuthorityCode returns the authority code of g's CRS.
func (g *GeoTIFF) AuthorityCode() (string, error) {
	if g.geoKeys == nil {
		return "", fmt.Errorf("%w: no geokeys", ErrUnknownCRS)
	}
	return g.geoKeys.AuthorityCode()
}

// ReadBand reads all of g's samples. No data samples are NaN.
func (g *GeoTIFF) ReadBand(ctx context.Context) (*Grid[float64], error) {
	return g.ReadWindow(ctx, g.Bounds())
}

// ReadWindow reads the samples in window, clipped to g's bounds. No data
// samples are NaN.
func (g *GeoTIFF) ReadWindow(ctx context.Context, window image.Rectangle) (*Grid[float64], error) {
	window = window.Intersect(g.Bounds())
	width, height := window.Dx(), window.Dy()
	samples := make([]float64, width*height)
	if len(samples) == 0 {
		return NewGrid(0, 0, samples)
	}

	minBlock := BlockCoord{C: window.Min.X / g.blockWidth, R: window.Min.Y / g.blockLength}
	maxBlock := BlockCoord{C: (window.Max.X - 1) / g.blockWidth, R: (window.Max.Y - 1) / g.blockLength}
	for r := minBlock.R; r <= maxBlock.R; r++ {
		for c := minBlock.C; c <= maxBlock.C; c++ {
			blockCoord := BlockCoord{C: c, R: r}
			blockBounds := image.Rect(
				c*g.blockWidth, r*g.blockLength,
				(c+1)*g.blockWidth, (r+1)*g.blockLength,
			).Intersect(window)
			switch blockSamples, err := g.getBlockSamplesCached(ctx, blockCoord); {
			case errors.Is(err, otter.ErrNotFound):
				for y := blockBounds.Min.Y; y < blockBounds.Max.Y; y++ {
					for x := blockBounds.Min.X; x < blockBounds.Max.X; x++ {
						samples[(y-window.Min.Y)*width+x-window.Min.X] = math.NaN()
					}
				}
			case err != nil:
				return nil, err
			default:
				for y := blockBounds.Min.Y; y < blockBounds.Max.Y; y++ {
					src := blockSamples[(y-r*g.blockLength)*g.blockWidth:]
					dst := samples[(y-window.Min.Y)*width:]
					copy(dst[blockBounds.Min.X-window.Min.X:blockBounds.Max.X-window.Min.X],
						src[blockBounds.Min.X-c*g.blockWidth:blockBounds.Max.X-c*g.blockWidth])
				}
			}
		}
	}

	return NewGrid(width, height, samples)
}

// blockRows returns the number of rows stored in the block at blockCoord.
// Tiles are always full but the last strip may be short.
func (g *GeoTIFF) blockRows(blockCoord BlockCoord) int {
	if g.tiled {
		return g.blockLength
	}
	return min(g.blockLength, g.imageLength-blockCoord.R*g.blockLength)
}

// getCompressedBlockData returns the compressed data of the block at
// blockCoord. Sparse blocks return the error otter.ErrNotFound.
func (g *GeoTIFF) getCompressedBlockData(blockCoord BlockCoord) ([]byte, error) {
	blockIndex := blockCoord.C + g.blocksAcross*blockCoord.R
	blockByteCount := g.blockByteCounts[blockIndex]
	blockOffset := g.blockOffsets[blockIndex]
	if blockByteCount == 0 {
		return nil, otter.ErrNotFound
	}
	compressedData := make([]byte, blockByteCount)
	switch n, err := g.r.ReadAt(compressedData, int64(blockOffset)); {
	case n == int(blockByteCount):
		return compressedData, nil
	case err != nil && !errors.Is(err, io.EOF):
		return nil, err
	default:
		return nil, errShortRead
	}
}

// decompressBlockData decompresses compressedData into size bytes.
func (g *GeoTIFF) decompressBlockData(compressedData []byte, size int) ([]byte, error) {
	var r io.Reader
	switch g.compression {
	case compressionNone:
		if len(compressedData) < size {
			return nil, errShortRead
		}
		return compressedData[:size], nil
	case compressionLZW:
		lzwReader := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
		defer lzwReader.Close()
		r = lzwReader
	default:
		zlibReader, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		r = zlibReader
	}
	blockData := make([]byte, size)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// decodeBlockData decodes the first band of rows rows of blockData into
// samples.
func (g *GeoTIFF) decodeBlockData(blockData []byte, rows int) []float64 {
	bytesPerSample := g.bitsPerSample / 8
	rowLength := g.blockWidth * g.samplesPerPixel
	sampleCount := rowLength * rows

	raw := make([]uint64, sampleCount)
	for i := range sampleCount {
		b := blockData[i*bytesPerSample : (i+1)*bytesPerSample]
		switch bytesPerSample {
		case 1:
			raw[i] = uint64(b[0])
		case 2:
			raw[i] = uint64(g.byteOrder.Uint16(b))
		case 4:
			raw[i] = uint64(g.byteOrder.Uint32(b))
		case 8:
			raw[i] = g.byteOrder.Uint64(b)
		}
	}

	if g.predictor == predictorHorizontal {
		mask := ^uint64(0)
		if g.bitsPerSample < 64 {
			mask = 1<<g.bitsPerSample - 1
		}
		for row := range rows {
			for i := row*rowLength + g.samplesPerPixel; i < (row+1)*rowLength; i++ {
				raw[i] = (raw[i] + raw[i-g.samplesPerPixel]) & mask
			}
		}
	}

	samples := make([]float64, g.blockWidth*rows)
	for i := range samples {
		sample := g.sampleValue(raw[i*g.samplesPerPixel])
		if g.hasNoData && sample == g.noData {
			sample = math.NaN()
		}
		samples[i] = sample
	}
	return samples
}

// sampleValue converts the raw bits of a sample to a float64.
func (g *GeoTIFF) sampleValue(bits uint64) float64 {
	switch g.sampleFormat {
	case sampleFormatIEEEFP:
		if g.bitsPerSample == 32 {
			return float64(math.Float32frombits(uint32(bits)))
		}
		return math.Float64frombits(bits)
	case sampleFormatInt:
		switch g.bitsPerSample {
		case 8:
			return float64(int8(bits))
		case 16:
			return float64(int16(bits))
		case 32:
			return float64(int32(bits))
		default:
			return float64(int64(bits))
		}
	default:
		return float64(bits)
	}
}

// getBlockSamples returns the samples of the block at blockCoord.
func (g *GeoTIFF) getBlockSamples(ctx context.Context, blockCoord BlockCoord) ([]float64, error) {
	compressedBlockData, err := g.getCompressedBlockData(blockCoord)
	if err != nil {
		return nil, err
	}

	rows := g.blockRows(blockCoord)
	blockData, err := g.decompressBlockData(compressedBlockData, rows*g.blockWidth*g.samplesPerPixel*g.bitsPerSample/8)
	if err != nil {
		return nil, fmt.Errorf("block %d,%d: %w", blockCoord.C, blockCoord.R, err)
	}
	return g.decodeBlockData(blockData, rows), nil
}

// getBlockSamplesCached returns the samples of the block at blockCoord using
// g's cache.
func (g *GeoTIFF) getBlockSamplesCached(ctx context.Context, blockCoord BlockCoord) ([]float64, error) {
	return g.blockSamplesCache.Get(ctx, blockCoord, otter.LoaderFunc[BlockCoord, []float64](g.getBlockSamples))
}
