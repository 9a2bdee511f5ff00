package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPResolver queries a Nominatim-compatible search endpoint:
// GET {base}?q=<address>&format=json&limit=1 returning [{"lat":"..","lon":".."}].
type HTTPResolver struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewHTTPResolver(baseURL, userAgent string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

func (h *HTTPResolver) Resolve(ctx context.Context, address string) (Point, error) {
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return Point{}, err
	}
	q := u.Query()
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Point{}, err
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Point{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, fmt.Errorf("geocoder returned %d", resp.StatusCode)
	}
	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Point{}, fmt.Errorf("decode geocoder response: %w", err)
	}
	if len(results) == 0 {
		return Point{}, fmt.Errorf("%w: %q", ErrUnresolvable, address)
	}
	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("geocoder lat: %w", err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("geocoder lon: %w", err)
	}
	return Point{Lat: lat, Lon: lon}, nil
}
