package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/twpayne/go-geopix"
	"github.com/twpayne/go-geopix/internal/config"
	"github.com/twpayne/go-geopix/internal/logger"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	Inputs        []string `short:"i" long:"input"          required:"true"               description:"GeoTIFF file to extract, may be repeated"`
	ConfigFile    string   `short:"c" long:"config"         env:"GEOPIX_CONFIG_FILE"      description:"Path to optional configuration file"`
	Hop           int      `long:"hop"                      env:"GEOPIX_HOP"              description:"Sample every hop pixels in both directions (default 1)"`
	DecimalPoints int      `short:"d" long:"decimal-points" env:"GEOPIX_DECIMAL_POINTS"   description:"Decimal digits kept in coordinates (default 8)"`
	IntensityMax  float64  `long:"intensity-max"            env:"GEOPIX_INTENSITY_MAX"    description:"Intensity normalization ceiling (default 220)"`
	NoNormalize   bool     `long:"no-normalize"                                           description:"Emit an intensity of 1 for every sample"`
	CRS           string   `long:"crs"                      env:"GEOPIX_CRS"              description:"Authority code overriding the raster's CRS"`
	Geotransform  string   `long:"geotransform"             env:"GEOPIX_GEOTRANSFORM"     description:"Geotransform a,b,c,d,e,f overriding the raster's"`
	Window        string   `long:"window"                                                 description:"Pixel window x0,y0,x1,y1"`
	Concurrency   int      `short:"j" long:"concurrency"    env:"GEOPIX_CONCURRENCY"      description:"Parallel extraction workers (default 1)"`
	Output        string   `short:"o" long:"output"                                       description:"Output file (default stdout)"`
	MetricsFile   string   `long:"metrics-file"             env:"GEOPIX_METRICS_FILE"     description:"Write Prometheus metrics to this file"`
}

// settings resolves the extraction settings from the defaults, the
// configuration file and the options set on the command line, in increasing
// order of precedence.
func (o *Options) settings(parser *flags.Parser) (config.Settings, error) {
	s := config.Default()

	if o.ConfigFile != "" {
		cfg, err := config.Load(o.ConfigFile)
		if err != nil {
			return config.Settings{}, err
		}
		s = cfg.Apply(s)
	}

	isSet := func(longName string) bool {
		option := parser.FindOptionByLongName(longName)
		return option != nil && option.IsSet()
	}
	if isSet("hop") {
		s.Hop = o.Hop
	}
	if isSet("decimal-points") {
		s.DecimalPoints = o.DecimalPoints
	}
	if isSet("intensity-max") {
		s.IntensityMax = o.IntensityMax
	}
	if o.NoNormalize {
		s.Normalize = false
	}
	if isSet("concurrency") {
		s.Concurrency = o.Concurrency
	}
	if o.CRS != "" {
		s.CRS = o.CRS
	}
	if o.Geotransform != "" {
		geotransform, err := parseFloats(o.Geotransform, 6)
		if err != nil {
			return config.Settings{}, fmt.Errorf("--geotransform: %w", err)
		}
		s.Geotransform = geotransform
	}

	if s.Geotransform != nil && len(s.Geotransform) != 6 {
		return config.Settings{}, fmt.Errorf("%w: geotransform has %d terms", geopix.ErrInvalidConfiguration, len(s.Geotransform))
	}
	return s, nil
}

func extractorOptions(s config.Settings) []geopix.ExtractorOption {
	intensityMax := geopix.NoIntensityMax()
	if s.Normalize {
		intensityMax = geopix.IntensityMaxOf(s.IntensityMax)
	}
	return []geopix.ExtractorOption{
		geopix.WithHop(s.Hop),
		geopix.WithDecimalPoints(s.DecimalPoints),
		geopix.WithIntensityMax(intensityMax),
		geopix.WithConcurrency(s.Concurrency),
	}
}

// parseFloats parses exactly n comma-separated floats.
func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("%q: expected %d values, got %d", s, n, len(fields))
	}
	values := make([]float64, 0, n)
	for _, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// parseWindow parses a pixel window x0,y0,x1,y1.
func parseWindow(s string) (image.Rectangle, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return image.Rectangle{}, fmt.Errorf("%q: expected x0,y0,x1,y1", s)
	}
	var values [4]int
	for i, field := range fields {
		value, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return image.Rectangle{}, err
		}
		values[i] = value
	}
	window := image.Rect(values[0], values[1], values[2], values[3])
	if window.Empty() {
		return image.Rectangle{}, fmt.Errorf("%q: empty window", s)
	}
	return window, nil
}

type extractor struct {
	settings     config.Settings
	options      []geopix.ExtractorOption
	window       *image.Rectangle
	transformers *geopix.TransformerCache
}

func (e *extractor) extractFile(ctx context.Context, path string) (geopix.SampleSet, error) {
	g, err := geopix.OpenGeoTIFF(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if err != nil {
		return nil, err
	}
	defer g.Close()

	authorityCode := e.settings.CRS
	if authorityCode == "" {
		authorityCode, err = g.AuthorityCode()
		if err != nil {
			return nil, err
		}
	}
	transformer, err := e.transformers.Get(authorityCode)
	if err != nil {
		return nil, err
	}

	var geotransform geopix.Geotransform
	if e.settings.Geotransform != nil {
		copy(geotransform[:], e.settings.Geotransform)
	} else {
		geotransform, err = g.GeoTransform()
		if err != nil {
			return nil, err
		}
	}

	bounds := g.Bounds()
	if e.window != nil {
		bounds = e.window.Intersect(bounds)
		geotransform = geotransform.Offset(bounds.Min.X, bounds.Min.Y)
	}
	band, err := g.ReadWindow(ctx, bounds)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("path", path).
		Str("crs", transformer.AuthorityCode()).
		Floats64("geotransform", geotransform[:]).
		Stringer("bounds", bounds).
		Msg("Extracting")

	samples, err := geopix.Extract(ctx, band, transformer, geotransform, e.options...)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("path", path).
		Int("samples", len(samples)).
		Msg("Extracted")

	return samples, nil
}

func writeSamples(w io.Writer, samples geopix.SampleSet) error {
	return json.NewEncoder(w).Encode(samples)
}

func run(ctx context.Context, opts *Options, parser *flags.Parser) error {
	settings, err := opts.settings(parser)
	if err != nil {
		return err
	}

	options := extractorOptions(settings)
	// Check the configuration before opening any input.
	if _, err := geopix.NewExtractor(options...); err != nil {
		return err
	}

	e := &extractor{
		settings: settings,
		options:  options,
	}
	if opts.Window != "" {
		window, err := parseWindow(opts.Window)
		if err != nil {
			return fmt.Errorf("--window: %w", err)
		}
		e.window = &window
	}
	e.transformers, err = geopix.NewTransformerCache(max(len(opts.Inputs), 1))
	if err != nil {
		return err
	}

	samples := geopix.SampleSet{}
	for _, input := range opts.Inputs {
		inputSamples, err := e.extractFile(ctx, input)
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
		samples = append(samples, inputSamples...)
	}

	if opts.Output == "" {
		err = writeSamples(os.Stdout, samples)
	} else {
		err = writeSamplesFile(opts.Output, samples)
	}
	if err != nil {
		return err
	}

	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, prometheus.DefaultGatherer); err != nil {
			return err
		}
	}

	return nil
}

func writeSamplesFile(path string, samples geopix.SampleSet) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()
	return writeSamples(file, samples)
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	opts.Logger.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, &opts, parser); err != nil {
		stop()
		log.Fatal().Err(err).Msg("Extraction failed")
	}
}
