package geopix

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHop           = 1
	defaultDecimalPoints = 8
	intensityDecimals    = 2

	// rowBatchesPerWorker controls how finely rows are split between
	// workers.
	rowBatchesPerWorker = 4
)

var (
	pixelsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopix_pixels_scanned_total",
		Help: "The total number of pixels visited by extraction",
	})
	pixelsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopix_pixels_skipped_total",
		Help: "The total number of visited pixels skipped as no data",
	})
	samplesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopix_samples_emitted_total",
		Help: "The total number of samples emitted by extraction",
	})
	extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geopix_extractions_total",
		Help: "The total number of extractions by result",
	}, []string{"result"})
)

// An IntensityMax is an optional normalization ceiling.
type IntensityMax struct {
	value float64
	valid bool
}

// NoIntensityMax returns an IntensityMax that disables normalization.
func NoIntensityMax() IntensityMax {
	return IntensityMax{}
}

// IntensityMaxOf returns an IntensityMax that normalizes by value.
func IntensityMaxOf(value float64) IntensityMax {
	return IntensityMax{
		value: value,
		valid: true,
	}
}

// Get returns m's value and whether it is set.
func (m IntensityMax) Get() (float64, bool) {
	return m.value, m.valid
}

func (m IntensityMax) String() string {
	if !m.valid {
		return "none"
	}
	return fmt.Sprint(m.value)
}

// An Extractor converts the pixels of a Band into samples.
type Extractor struct {
	hop           int
	decimalPoints int
	intensityMax  IntensityMax
	concurrency   int
}

// An ExtractorOption sets an option on an Extractor.
type ExtractorOption func(*Extractor)

// NewExtractor returns a new Extractor with the given options. It returns an
// error wrapping ErrInvalidConfiguration if any option is out of range.
func NewExtractor(options ...ExtractorOption) (*Extractor, error) {
	e := &Extractor{
		hop:           defaultHop,
		decimalPoints: defaultDecimalPoints,
		concurrency:   1,
	}
	for _, option := range options {
		option(e)
	}

	if e.hop <= 0 {
		return nil, fmt.Errorf("%w: hop %d", ErrInvalidConfiguration, e.hop)
	}
	if e.decimalPoints < 0 {
		return nil, fmt.Errorf("%w: decimal points %d", ErrInvalidConfiguration, e.decimalPoints)
	}
	if value, ok := e.intensityMax.Get(); ok {
		if !(value > 0) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("%w: intensity max %v", ErrInvalidConfiguration, value)
		}
	}
	if e.concurrency < 1 {
		return nil, fmt.Errorf("%w: concurrency %d", ErrInvalidConfiguration, e.concurrency)
	}

	return e, nil
}

// WithHop sets the sampling stride in both directions.
func WithHop(hop int) ExtractorOption {
	return func(e *Extractor) {
		e.hop = hop
	}
}

// WithDecimalPoints sets the number of decimal digits kept in latitudes and
// longitudes.
func WithDecimalPoints(decimalPoints int) ExtractorOption {
	return func(e *Extractor) {
		e.decimalPoints = decimalPoints
	}
}

// WithIntensityMax sets the intensity normalization ceiling.
func WithIntensityMax(intensityMax IntensityMax) ExtractorOption {
	return func(e *Extractor) {
		e.intensityMax = intensityMax
	}
}

// WithConcurrency sets the maximum number of row batches scanned at once.
func WithConcurrency(concurrency int) ExtractorOption {
	return func(e *Extractor) {
		e.concurrency = concurrency
	}
}

// Extract is a convenience function that creates an Extractor with options
// and runs it.
func Extract(ctx context.Context, band Band, transformer Transformer, geotransform Geotransform, options ...ExtractorOption) (SampleSet, error) {
	e, err := NewExtractor(options...)
	if err != nil {
		extractions.WithLabelValues("error").Inc()
		return nil, err
	}
	return e.Extract(ctx, band, transformer, geotransform)
}

// Extract scans band in row-major order every hop pixels and returns a sample
// for each pixel with a positive value. Any error aborts the extraction.
func (e *Extractor) Extract(ctx context.Context, band Band, transformer Transformer, geotransform Geotransform) (_ SampleSet, err error) {
	defer func() {
		if err != nil {
			extractions.WithLabelValues("error").Inc()
		} else {
			extractions.WithLabelValues("ok").Inc()
		}
	}()

	width, height := band.Size()
	if width <= 0 || height <= 0 {
		return SampleSet{}, nil
	}

	if err := geotransform.Validate(); err != nil {
		return nil, err
	}

	// Group scanned rows into batches, each of which fills its own slot so
	// that the output order does not depend on scheduling.
	rows := make([]int, 0, (height+e.hop-1)/e.hop)
	for y := 0; y < height; y += e.hop {
		rows = append(rows, y)
	}
	batchSize := max(len(rows)/(e.concurrency*rowBatchesPerWorker), 1)
	if e.concurrency == 1 {
		batchSize = len(rows)
	}
	var batches [][]int
	for start := 0; start < len(rows); start += batchSize {
		batches = append(batches, rows[start:min(start+batchSize, len(rows))])
	}
	results := make([]SampleSet, len(batches))

	if e.concurrency == 1 {
		for i, batch := range batches {
			results[i], err = e.extractRows(ctx, band, transformer, geotransform, batch)
			if err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for i, batch := range batches {
			g.Go(func() error {
				var err error
				results[i], err = e.extractRows(gctx, band, transformer, geotransform, batch)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	total := 0
	for _, result := range results {
		total += len(result)
	}
	samples := make(SampleSet, 0, total)
	for _, result := range results {
		samples = append(samples, result...)
	}
	return samples, nil
}

// extractRows extracts the samples from rows.
func (e *Extractor) extractRows(ctx context.Context, band Band, transformer Transformer, geotransform Geotransform, rows []int) (SampleSet, error) {
	width, _ := band.Size()
	var samples SampleSet
	var flatCoords []float64
	var coords [][]float64
	var values []float64
	scanned, skipped := 0, 0
	defer func() {
		pixelsScanned.Add(float64(scanned))
		pixelsSkipped.Add(float64(skipped))
		samplesEmitted.Add(float64(len(samples)))
	}()

	for _, y := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		flatCoords, values = flatCoords[:0], values[:0]
		for x := 0; x < width; x += e.hop {
			scanned++
			value := band.At(x, y)
			if !(value > 0) {
				skipped++
				continue
			}
			srcX, srcY := geotransform.Apply(float64(x), float64(y))
			flatCoords = append(flatCoords, srcY, srcX)
			values = append(values, value)
		}
		if len(values) == 0 {
			continue
		}

		// The pairs share flatCoords, which is reused for the next row.
		coords = coords[:0]
		for i := range values {
			coords = append(coords, flatCoords[2*i:2*i+2:2*i+2])
		}

		latLons, err := transformRow(transformer, coords)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", y, err)
		}
		for i, latLon := range latLons {
			samples = append(samples, SamplePoint{
				Latitude:  roundHalfEven(latLon[0], e.decimalPoints),
				Longitude: roundHalfEven(latLon[1], e.decimalPoints),
				Intensity: e.intensity(values[i]),
			})
		}
	}

	return samples, nil
}

// intensity returns the normalized intensity of value.
func (e *Extractor) intensity(value float64) float64 {
	intensityMax, ok := e.intensityMax.Get()
	if !ok {
		return 1
	}
	return roundHalfEven(value/intensityMax, intensityDecimals)
}

// transformRow transforms [northing, easting] pairs to [lat, lon] pairs,
// in a single call if transformer supports it.
func transformRow(transformer Transformer, coords [][]float64) ([][]float64, error) {
	if sliceTransformer, ok := transformer.(interface {
		TransformSlices([][]float64) ([][]float64, error)
	}); ok {
		return sliceTransformer.TransformSlices(coords)
	}
	flatLatLons := make([]float64, 2*len(coords))
	latLons := make([][]float64, len(coords))
	for i, coord := range coords {
		lat, lon, err := transformer.Transform(coord[0], coord[1])
		if err != nil {
			return nil, err
		}
		flatLatLons[2*i], flatLatLons[2*i+1] = lat, lon
		latLons[i] = flatLatLons[2*i : 2*i+2 : 2*i+2]
	}
	return latLons, nil
}

// roundHalfEven rounds value to decimals decimal digits, rounding ties to
// even.
func roundHalfEven(value float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	scaled := value * pow
	if math.IsInf(scaled, 0) || math.IsInf(pow, 0) {
		return value
	}
	return math.RoundToEven(scaled) / pow
}
