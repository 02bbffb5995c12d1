package tiles

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/geoforge/geoforge/internal/resilience"
)

// Service describes one remote tile endpoint. The URL template is
// parameterized by {z}, {x} and {y}; {apikey} expands to the opaque
// credential supplied by the caller and is never interpreted.
type Service struct {
	ID          string
	URLTemplate string
	APIKey      string
	MinZoom     int
	MaxZoom     int
	TileSize    int
	// Encoding names how sample values are packed: "rgba" for imagery,
	// "terrarium" or "mapboxrgb" for elevation tiles.
	Encoding string
	// RatePerSec throttles requests to the service. 0 disables throttling.
	RatePerSec float64
}

// Fetcher retrieves a single tile from a remote service.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (*Entry, error)
}

// HTTPFetcher fetches tiles over HTTP(S) with per-service rate limiting, a
// per-tile timeout, and retry on transient failures.
type HTTPFetcher struct {
	services map[string]Service
	limiters map[string]*rate.Limiter
	client   *http.Client
	retry    resilience.RetryConfig
	ua       string
}

// NewHTTPFetcher builds a fetcher for the given services. timeout applies to
// each individual tile request, not to a whole region.
func NewHTTPFetcher(services []Service, timeout time.Duration, retry resilience.RetryConfig) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &HTTPFetcher{
		services: make(map[string]Service, len(services)),
		limiters: make(map[string]*rate.Limiter, len(services)),
		client:   &http.Client{Timeout: timeout},
		retry:    retry,
		ua:       "geoforge/1.0",
	}
	for _, s := range services {
		f.services[s.ID] = s
		if s.RatePerSec > 0 {
			f.limiters[s.ID] = rate.NewLimiter(rate.Limit(s.RatePerSec), int(s.RatePerSec)+1)
		}
	}
	return f
}

// Service returns the configuration for a service id.
func (f *HTTPFetcher) Service(id string) (Service, bool) {
	s, ok := f.services[id]
	return s, ok
}

// Fetch downloads one tile. Failures are reported as *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, key Key) (*Entry, error) {
	svc, ok := f.services[key.Service]
	if !ok {
		return nil, &FetchError{Key: key, Reason: "unknown service"}
	}
	if key.Zoom < svc.MinZoom || key.Zoom > svc.MaxZoom {
		return nil, &FetchError{Key: key, Reason: "zoom outside service range"}
	}

	if lim := f.limiters[key.Service]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, &FetchError{Key: key, Reason: "canceled while rate limited", Err: err}
		}
	}

	url := expandTemplate(svc.URLTemplate, key, svc.APIKey)

	data, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		return f.fetchOnce(ctx, url)
	})
	if err != nil {
		return nil, &FetchError{Key: key, Reason: "request failed", Err: err}
	}
	if len(data) == 0 {
		return nil, &FetchError{Key: key, Reason: "empty payload"}
	}

	zap.L().Debug("tiles: fetched",
		zap.String("key", key.String()),
		zap.Int("bytes", len(data)),
	)

	return &Entry{
		Key:       key,
		Data:      data,
		Bounds:    MercatorBounds(key),
		FetchedAt: time.Now().UTC(),
		Size:      len(data),
	}, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "tiles: build request")
	}
	req.Header.Set("User-Agent", f.ua)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "tiles: do request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("tiles: upstream returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "tiles: read body")
	}
	return data, nil
}

// expandTemplate substitutes {z}/{x}/{y} and the opaque {apikey} credential.
func expandTemplate(tmpl string, key Key, apiKey string) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(key.Zoom),
		"{x}", strconv.Itoa(key.Col),
		"{y}", strconv.Itoa(key.Row),
		"{apikey}", apiKey,
	)
	return r.Replace(tmpl)
}

// MercatorBounds returns the tile footprint in web mercator meters, the
// native CRS of slippy-map services.
func MercatorBounds(key Key) Bounds {
	t := maptile.New(uint32(key.Col), uint32(key.Row), maptile.Zoom(key.Zoom))
	b := t.Bound()
	min := project.WGS84.ToMercator(orb.Point{b.Min[0], b.Min[1]})
	max := project.WGS84.ToMercator(orb.Point{b.Max[0], b.Max[1]})
	return Bounds{min[0], min[1], max[0], max[1]}
}
