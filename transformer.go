package geopix

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twpayne/go-proj/v10"
)

const wgs84 = "EPSG:4326"

var (
	transformerCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopix_transformer_cache_hits_total",
		Help: "The total number of hits on the transformer cache",
	})
	transformerCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopix_transformer_cache_misses_total",
		Help: "The total number of misses on the transformer cache",
	})
	transformerCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopix_transformer_cache_evictions_total",
		Help: "The total number of evictions from the transformer cache",
	})
)

// A CoordinateTransformer transforms coordinates from a source CRS to WGS84.
// It is safe for concurrent use.
type CoordinateTransformer struct {
	authorityCode string
	pj            *proj.PJ
}

// NewCoordinateTransformer returns a new CoordinateTransformer from the CRS
// identified by authorityCode to WGS84. A bare number is an EPSG code.
func NewCoordinateTransformer(authorityCode string) (*CoordinateTransformer, error) {
	normalizedAuthorityCode, err := NormalizeAuthorityCode(authorityCode)
	if err != nil {
		return nil, err
	}
	pj, err := proj.NewCRSToCRS(normalizedAuthorityCode, wgs84, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownCRS, normalizedAuthorityCode, err)
	}
	// Fix the axis order to (easting, northing) in and (lon, lat) out
	// whatever the authority says.
	normalizedPJ, err := pj.NormalizeForVisualization()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownCRS, normalizedAuthorityCode, err)
	}
	return &CoordinateTransformer{
		authorityCode: normalizedAuthorityCode,
		pj:            normalizedPJ,
	}, nil
}

// NormalizeAuthorityCode returns authorityCode in AUTHORITY:CODE form.
func NormalizeAuthorityCode(authorityCode string) (string, error) {
	authorityCode = strings.TrimSpace(authorityCode)
	if authorityCode == "" {
		return "", fmt.Errorf("%w: empty authority code", ErrUnknownCRS)
	}
	if _, err := strconv.Atoi(authorityCode); err == nil {
		return "EPSG:" + authorityCode, nil
	}
	authority, code, ok := strings.Cut(authorityCode, ":")
	if !ok || authority == "" || code == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownCRS, authorityCode)
	}
	return strings.ToUpper(authority) + ":" + code, nil
}

// AuthorityCode returns t's source authority code.
func (t *CoordinateTransformer) AuthorityCode() string {
	return t.authorityCode
}

// Transform transforms a single coordinate. northing is passed first.
func (t *CoordinateTransformer) Transform(northing, easting float64) (float64, float64, error) {
	coord, err := t.pj.Forward(proj.Coord{easting, northing})
	if err != nil {
		return 0, 0, err
	}
	return coord[1], coord[0], nil
}

// TransformSlices transforms coords, each of which is a [northing, easting]
// pair, and returns [lat, lon] pairs. coords is not modified.
func (t *CoordinateTransformer) TransformSlices(coords [][]float64) ([][]float64, error) {
	result := cloneCoords(coords)
	flipCoords(result)
	if err := t.pj.ForwardFloat64Slices(result); err != nil {
		return nil, err
	}
	flipCoords(result)
	return result, nil
}

func cloneCoords(coords [][]float64) [][]float64 {
	clonedCoordsFlat := make([]float64, 2*len(coords))
	clonedCoords := make([][]float64, len(coords))
	for i, coord := range coords {
		copy(clonedCoordsFlat[2*i:2*i+2], coord)
		clonedCoords[i] = clonedCoordsFlat[2*i : 2*i+2]
	}
	return clonedCoords
}

func flipCoords(coords [][]float64) {
	for i, coord := range coords {
		coords[i][0], coords[i][1] = coord[1], coord[0]
	}
}

// A TransformerCache is a cache of CoordinateTransformers keyed by authority
// code.
type TransformerCache struct {
	mutex sync.Mutex
	cache *lru.Cache[string, *CoordinateTransformer]
}

// NewTransformerCache returns a new TransformerCache holding at most size
// transformers.
func NewTransformerCache(size int) (*TransformerCache, error) {
	cache, err := lru.NewWithEvict(size, func(string, *CoordinateTransformer) {
		transformerCacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	return &TransformerCache{
		cache: cache,
	}, nil
}

// Get returns the transformer for authorityCode, creating it if needed.
func (c *TransformerCache) Get(authorityCode string) (*CoordinateTransformer, error) {
	key, err := NormalizeAuthorityCode(authorityCode)
	if err != nil {
		return nil, err
	}

	if transformer, ok := c.cache.Get(key); ok {
		transformerCacheHits.Inc()
		return transformer, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if transformer, ok := c.cache.Get(key); ok {
		transformerCacheHits.Inc()
		return transformer, nil
	}

	transformerCacheMisses.Inc()

	transformer, err := NewCoordinateTransformer(key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, transformer)
	return transformer, nil
}

// Len returns the number of cached transformers.
func (c *TransformerCache) Len() int {
	return c.cache.Len()
}
