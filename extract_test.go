package geopix_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/twpayne/go-geopix"
)

// identityTransformer returns source coordinates unchanged.
type identityTransformer struct{}

func (identityTransformer) Transform(northing, easting float64) (float64, float64, error) {
	return northing, easting, nil
}

// recordingTransformer records every coordinate it is asked to transform.
type recordingTransformer struct {
	mutex  sync.Mutex
	coords [][2]float64
}

func (r *recordingTransformer) Transform(northing, easting float64) (float64, float64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.coords = append(r.coords, [2]float64{northing, easting})
	return northing, easting, nil
}

type failingTransformer struct {
	err error
}

func (f failingTransformer) Transform(northing, easting float64) (float64, float64, error) {
	return 0, 0, f.err
}

var unitGeotransform = geopix.Geotransform{0, 1, 0, 0, 0, 1}

func TestExtract_Affine(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{
		{1, 0, 0},
		{0, 0, 1},
	})
	assert.NoError(t, err)

	transformer := &recordingTransformer{}
	actual, err := geopix.Extract(t.Context(), grid, transformer, geopix.Geotransform{0, 10, 0, 100, 0, -10})
	assert.NoError(t, err)
	assert.Equal(t, [][2]float64{{100, 0}, {90, 20}}, transformer.coords)
	assert.Equal(t, geopix.SampleSet{
		{Latitude: 100, Longitude: 0, Intensity: 1},
		{Latitude: 90, Longitude: 20, Intensity: 1},
	}, actual)
}

func TestExtract_RotatedAffine(t *testing.T) {
	grid, err := geopix.GridFromRows([][]uint8{
		{0, 0},
		{0, 7},
	})
	assert.NoError(t, err)

	transformer := &recordingTransformer{}
	_, err = geopix.Extract(t.Context(), grid, transformer, geopix.Geotransform{10, 2, 0.5, 20, -1, 3})
	assert.NoError(t, err)
	assert.Equal(t, [][2]float64{{20 - 1 + 3, 10 + 2 + 0.5}}, transformer.coords)
}

func TestExtract_Exclusion(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{
		{-1, 0, 2},
		{math.NaN(), 0.5, -0.0},
		{3, math.Inf(-1), 0},
	})
	assert.NoError(t, err)

	actual, err := geopix.Extract(t.Context(), grid, identityTransformer{}, unitGeotransform)
	assert.NoError(t, err)
	assert.Equal(t, geopix.SampleSet{
		{Latitude: 0, Longitude: 2, Intensity: 1},
		{Latitude: 1, Longitude: 1, Intensity: 1},
		{Latitude: 2, Longitude: 0, Intensity: 1},
	}, actual)
}

func TestExtract_Stride(t *testing.T) {
	const width, height = 7, 5
	data := make([]int32, width*height)
	for i := range data {
		data[i] = int32(i + 1)
	}
	grid, err := geopix.NewGrid(width, height, data)
	assert.NoError(t, err)

	for _, hop := range []int{1, 2, 3, 4, 7, 10} {
		t.Run(strconv.Itoa(hop), func(t *testing.T) {
			var expected geopix.SampleSet
			for y := range height {
				for x := range width {
					if y%hop == 0 && x%hop == 0 {
						expected = append(expected, geopix.SamplePoint{
							Latitude:  float64(y),
							Longitude: float64(x),
							Intensity: 1,
						})
					}
				}
			}
			actual, err := geopix.Extract(t.Context(), grid, identityTransformer{}, unitGeotransform,
				geopix.WithHop(hop),
			)
			assert.NoError(t, err)
			assert.Equal(t, expected, actual)
		})
	}
}

func TestExtract_Concurrency(t *testing.T) {
	r := rand.New(rand.NewPCG(0, 0))
	const width, height = 97, 113
	data := make([]float64, width*height)
	for i := range data {
		data[i] = r.Float64()*300 - 100
	}
	grid, err := geopix.NewGrid(width, height, data)
	assert.NoError(t, err)
	geotransform := geopix.Geotransform{600000, 10, 0, 3500040, 0, -10}

	for _, hop := range []int{1, 3} {
		options := []geopix.ExtractorOption{
			geopix.WithHop(hop),
			geopix.WithIntensityMax(geopix.IntensityMaxOf(220)),
		}
		expected, err := geopix.Extract(t.Context(), grid, identityTransformer{}, geotransform, options...)
		assert.NoError(t, err)
		assert.NotZero(t, len(expected))
		for _, concurrency := range []int{2, 4, 16, 1000} {
			t.Run(strconv.Itoa(hop)+"_"+strconv.Itoa(concurrency), func(t *testing.T) {
				actual, err := geopix.Extract(t.Context(), grid, identityTransformer{}, geotransform,
					append(options, geopix.WithConcurrency(concurrency))...,
				)
				assert.NoError(t, err)
				assert.Equal(t, expected, actual)
			})
		}
	}
}

func TestExtract_Intensity(t *testing.T) {
	grid, err := geopix.GridFromRows([][]uint16{
		{110, 220, 330, 1, 55, 255},
	})
	assert.NoError(t, err)

	for _, tc := range []struct {
		name         string
		intensityMax geopix.IntensityMax
		expected     []float64
	}{
		{
			name:         "unset",
			intensityMax: geopix.NoIntensityMax(),
			expected:     []float64{1, 1, 1, 1, 1, 1},
		},
		{
			name:         "220",
			intensityMax: geopix.IntensityMaxOf(220),
			expected:     []float64{0.5, 1, 1.5, 0, 0.25, 1.16},
		},
		{
			name:         "440",
			intensityMax: geopix.IntensityMaxOf(440),
			expected:     []float64{0.25, 0.5, 0.75, 0, 0.12, 0.58},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			actual, err := geopix.Extract(t.Context(), grid, identityTransformer{}, unitGeotransform,
				geopix.WithIntensityMax(tc.intensityMax),
			)
			assert.NoError(t, err)
			intensities := make([]float64, 0, len(actual))
			for _, sample := range actual {
				intensities = append(intensities, sample.Intensity)
			}
			assert.Equal(t, tc.expected, intensities)
		})
	}
}

func TestExtract_Precision(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{{1, 1, 1}})
	assert.NoError(t, err)
	geotransform := geopix.Geotransform{24.524588123, 0.001234567, 0, 59.351129987, 0, -0.001234567}

	for _, tc := range []struct {
		decimalPoints int
		expected      geopix.SampleSet
	}{
		{
			decimalPoints: 2,
			expected: geopix.SampleSet{
				{Latitude: 59.35, Longitude: 24.52, Intensity: 1},
				{Latitude: 59.35, Longitude: 24.53, Intensity: 1},
				{Latitude: 59.35, Longitude: 24.53, Intensity: 1},
			},
		},
		{
			decimalPoints: 0,
			expected: geopix.SampleSet{
				{Latitude: 59, Longitude: 25, Intensity: 1},
				{Latitude: 59, Longitude: 25, Intensity: 1},
				{Latitude: 59, Longitude: 25, Intensity: 1},
			},
		},
	} {
		t.Run(strconv.Itoa(tc.decimalPoints), func(t *testing.T) {
			actual, err := geopix.Extract(t.Context(), grid, identityTransformer{}, geotransform,
				geopix.WithDecimalPoints(tc.decimalPoints),
			)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, actual)

			data, err := json.Marshal(actual)
			assert.NoError(t, err)
			for _, number := range strings.FieldsFunc(string(data), func(r rune) bool {
				return r == '[' || r == ']' || r == ','
			}) {
				if _, fraction, ok := strings.Cut(number, "."); ok {
					assert.True(t, len(fraction) <= tc.decimalPoints, "%s", number)
				}
			}
		})
	}
}

func TestExtract_RoundHalfEven(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{{1, 1}})
	assert.NoError(t, err)

	actual, err := geopix.Extract(t.Context(), grid, identityTransformer{}, geopix.Geotransform{0.5, 1, 0, 2.5, 0, 1},
		geopix.WithDecimalPoints(0),
	)
	assert.NoError(t, err)
	assert.Equal(t, geopix.SampleSet{
		{Latitude: 2, Longitude: 0, Intensity: 1},
		{Latitude: 2, Longitude: 2, Intensity: 1},
	}, actual)
}

// rowTransformer transforms whole rows and records a copy of every row it is
// given.
type rowTransformer struct {
	identityTransformer
	rows [][][]float64
}

func (r *rowTransformer) TransformSlices(coords [][]float64) ([][]float64, error) {
	row := make([][]float64, 0, len(coords))
	for _, coord := range coords {
		row = append(row, slices.Clone(coord))
	}
	r.rows = append(r.rows, row)
	return slices.Clone(row), nil
}

func TestExtract_TransformSlices(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{
		{1, 0, 2},
		{0, 0, 0},
		{3, 4, 0},
	})
	assert.NoError(t, err)

	transformer := &rowTransformer{}
	actual, err := geopix.Extract(t.Context(), grid, transformer, geopix.Geotransform{0, 10, 0, 100, 0, -10})
	assert.NoError(t, err)
	assert.Equal(t, [][][]float64{
		{{100, 0}, {100, 20}},
		{{80, 0}, {80, 10}},
	}, transformer.rows)
	assert.Equal(t, geopix.SampleSet{
		{Latitude: 100, Longitude: 0, Intensity: 1},
		{Latitude: 100, Longitude: 20, Intensity: 1},
		{Latitude: 80, Longitude: 0, Intensity: 1},
		{Latitude: 80, Longitude: 10, Intensity: 1},
	}, actual)
}

func TestExtract_Allocations(t *testing.T) {
	const width, height = 64, 64
	data := make([]float64, width*height)
	for i := range data {
		data[i] = 1
	}
	grid, err := geopix.NewGrid(width, height, data)
	assert.NoError(t, err)

	allocs := testing.AllocsPerRun(5, func() {
		_, err := geopix.Extract(context.Background(), grid, identityTransformer{}, unitGeotransform)
		assert.NoError(t, err)
	})
	assert.True(t, allocs < width*height/4, "%v allocations", allocs)
}

func TestExtract_Empty(t *testing.T) {
	for _, tc := range []struct {
		name         string
		band         geopix.Band
		geotransform *geopix.Geotransform
	}{
		{
			name: "no_rows",
			band: must(geopix.NewGrid(3, 0, []float64{})),
		},
		{
			name: "no_columns",
			band: must(geopix.NewGrid(0, 3, []float64{})),
		},
		{
			name:         "degenerate_geotransform",
			band:         must(geopix.NewGrid[float64](0, 0, nil)),
			geotransform: &geopix.Geotransform{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			geotransform := unitGeotransform
			if tc.geotransform != nil {
				geotransform = *tc.geotransform
			}
			actual, err := geopix.Extract(t.Context(), tc.band, failingTransformer{err: errors.New("unexpected")}, geotransform)
			assert.NoError(t, err)
			assert.True(t, actual != nil)
			assert.Equal(t, 0, len(actual))
		})
	}
}

func TestExtract_InvalidConfiguration(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{{1, 2}, {3, 4}})
	assert.NoError(t, err)

	for _, tc := range []struct {
		name        string
		options     []geopix.ExtractorOption
		expectedErr error
	}{
		{
			name:        "zero_hop",
			options:     []geopix.ExtractorOption{geopix.WithHop(0)},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
		{
			name:        "negative_hop",
			options:     []geopix.ExtractorOption{geopix.WithHop(-2)},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
		{
			name:        "zero_intensity_max",
			options:     []geopix.ExtractorOption{geopix.WithIntensityMax(geopix.IntensityMaxOf(0))},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
		{
			name:        "negative_intensity_max",
			options:     []geopix.ExtractorOption{geopix.WithIntensityMax(geopix.IntensityMaxOf(-220))},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
		{
			name:        "nan_intensity_max",
			options:     []geopix.ExtractorOption{geopix.WithIntensityMax(geopix.IntensityMaxOf(math.NaN()))},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
		{
			name:        "negative_decimal_points",
			options:     []geopix.ExtractorOption{geopix.WithDecimalPoints(-1)},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
		{
			name:        "zero_concurrency",
			options:     []geopix.ExtractorOption{geopix.WithConcurrency(0)},
			expectedErr: geopix.ErrInvalidConfiguration,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			transformer := &recordingTransformer{}
			actual, err := geopix.Extract(t.Context(), grid, transformer, unitGeotransform, tc.options...)
			assert.IsError(t, err, tc.expectedErr)
			assert.Zero(t, actual)
			assert.Zero(t, transformer.coords)
		})
	}
}

func TestExtract_MalformedGeotransform(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{{1}})
	assert.NoError(t, err)
	_, err = geopix.Extract(t.Context(), grid, identityTransformer{}, geopix.Geotransform{0, 0, 0, 0, 0, 1})
	assert.IsError(t, err, geopix.ErrMalformedGeotransform)
}

func TestExtract_TransformError(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{{0, 0}, {0, 1}})
	assert.NoError(t, err)
	transformErr := errors.New("transform")

	for _, concurrency := range []int{1, 2} {
		actual, err := geopix.Extract(t.Context(), grid, failingTransformer{err: transformErr}, unitGeotransform,
			geopix.WithConcurrency(concurrency),
		)
		assert.IsError(t, err, transformErr)
		assert.Zero(t, actual)
	}
}

func TestExtract_Canceled(t *testing.T) {
	grid, err := geopix.GridFromRows([][]float64{{1}})
	assert.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = geopix.Extract(ctx, grid, identityTransformer{}, unitGeotransform)
	assert.IsError(t, err, context.Canceled)
}

func TestSampleSet_JSON(t *testing.T) {
	sampleSet := geopix.SampleSet{
		{Latitude: 31.60917539, Longitude: 34.06364357, Intensity: 0.5},
		{Latitude: -1.5, Longitude: 2, Intensity: 1},
	}
	data, err := json.Marshal(sampleSet)
	assert.NoError(t, err)
	assert.Equal(t, `[[31.60917539,34.06364357,0.5],[-1.5,2,1]]`, string(data))

	var actual geopix.SampleSet
	assert.NoError(t, json.Unmarshal(data, &actual))
	assert.Equal(t, sampleSet, actual)

	empty, err := json.Marshal(geopix.SampleSet{})
	assert.NoError(t, err)
	assert.Equal(t, `[]`, string(empty))
}

func must[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}
