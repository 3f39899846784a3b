package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/urbanatlas/fotopipe/internal/cache"
)

// ErrNoResult means the endpoint had no match for the query.
var ErrNoResult = errors.New("geocode: no result")

// ErrOutOfBounds means the endpoint matched, but outside the configured
// rectangle. Out-of-area matches are never returned to callers.
var ErrOutOfBounds = errors.New("geocode: result outside configured bounds")

// Location is a resolved coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Config struct {
	// BaseURL of a Nominatim-compatible server, without trailing slash.
	BaseURL string
	// UserAgent is required by the public Nominatim usage policy.
	UserAgent string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	Bounds    Bounds
	// City is appended to forward queries that do not already mention it.
	City string
}

// Client resolves addresses and coordinates. Definitive answers, including
// definitive misses, are cached; transport failures are not.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	bounds     Bounds
	city       string
	logger     zerolog.Logger

	forward *cache.LRU[forwardHit]
	reverse *cache.LRU[reverseHit]
}

type forwardHit struct {
	loc Location
	err error
}

type reverseHit struct {
	name string
	err  error
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org"
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "fotopipe/1.0"
	}
	city := cfg.City
	if city == "" {
		city = "Timisoara"
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		userAgent:  userAgent,
		bounds:     cfg.Bounds,
		city:       city,
		logger:     logger,
		forward:    cache.New[forwardHit](cfg.CacheSize, cfg.CacheTTL),
		reverse:    cache.New[reverseHit](cfg.CacheSize, cfg.CacheTTL),
	}
}

// Bounds returns the configured acceptance rectangle.
func (c *Client) Bounds() Bounds {
	return c.bounds
}

// Geocode resolves a street address to coordinates. Matches outside the
// configured bounds return ErrOutOfBounds, absent matches ErrNoResult; both
// outcomes are cached alongside successes.
func (c *Client) Geocode(ctx context.Context, address string) (Location, error) {
	query := c.searchQuery(address)

	if hit, ok := c.forward.Get(query); ok {
		return hit.loc, hit.err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	body, err := c.get(ctx, c.baseURL+"/search?"+params.Encode())
	if err != nil {
		return Location{}, err
	}

	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return Location{}, fmt.Errorf("decode geocode response: %w", err)
	}

	if len(results) == 0 {
		c.forward.Set(query, forwardHit{err: ErrNoResult})
		return Location{}, ErrNoResult
	}

	lat, latErr := strconv.ParseFloat(results[0].Lat, 64)
	lng, lngErr := strconv.ParseFloat(results[0].Lon, 64)
	if latErr != nil || lngErr != nil {
		return Location{}, fmt.Errorf("decode geocode response: bad coordinates %q,%q", results[0].Lat, results[0].Lon)
	}

	if !c.bounds.Contains(lat, lng) {
		c.logger.Debug().Str("query", query).Float64("lat", lat).Float64("lng", lng).
			Msg("geocode hit outside bounds")
		c.forward.Set(query, forwardHit{err: ErrOutOfBounds})
		return Location{}, ErrOutOfBounds
	}

	loc := Location{Lat: lat, Lng: lng}
	c.forward.Set(query, forwardHit{loc: loc})
	return loc, nil
}

// ReverseGeocode resolves coordinates to a display address.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	key := fmt.Sprintf("%.6f,%.6f", lat, lng)

	if hit, ok := c.reverse.Get(key); ok {
		return hit.name, hit.err
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("format", "json")
	params.Set("zoom", "18")
	params.Set("addressdetails", "1")

	body, err := c.get(ctx, c.baseURL+"/reverse?"+params.Encode())
	if err != nil {
		return "", err
	}

	var result struct {
		DisplayName string `json:"display_name"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode reverse geocode response: %w", err)
	}

	if result.DisplayName == "" {
		c.reverse.Set(key, reverseHit{err: ErrNoResult})
		return "", ErrNoResult
	}

	c.reverse.Set(key, reverseHit{name: result.DisplayName})
	return result.DisplayName, nil
}

// CacheStats reports combined hit/miss counts across both directions.
func (c *Client) CacheStats() (hits, misses int64) {
	fh, fm, _ := c.forward.Stats()
	rh, rm, _ := c.reverse.Stats()
	return fh + rh, fm + rm
}

// searchQuery widens a bare street address with the configured city so the
// endpoint does not wander to same-named streets elsewhere.
func (c *Client) searchQuery(address string) string {
	address = strings.TrimSpace(address)
	if strings.Contains(strings.ToLower(address), strings.ToLower(c.city)) {
		return address + ", Romania"
	}
	return address + ", " + c.city + ", Romania"
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("geocode endpoint returned status=%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read geocode response: %w", err)
	}
	return body, nil
}
