package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingResolver counts lookups that reach it.
type countingResolver struct {
	next  Resolver
	calls atomic.Int32
}

func (c *countingResolver) Resolve(ctx context.Context, address string) (Point, error) {
	c.calls.Add(1)
	return c.next.Resolve(ctx, address)
}

func TestHaversine(t *testing.T) {
	sf := Point{Lat: 37.7749, Lon: -122.4194}
	la := Point{Lat: 34.0522, Lon: -118.2437}

	assert.Zero(t, Haversine(sf, sf))
	assert.InDelta(t, 347.4, Haversine(sf, la), 1.0)
	assert.InDelta(t, Haversine(sf, la), Haversine(la, sf), 1e-9)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"123 Main St", "123 main st"},
		{"  123   MAIN st. ", "123 main st"},
		{"Apt #4, 9 Oak Ave", "apt 4 9 oak ave"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestCalculator_Distance(t *testing.T) {
	inner := &countingResolver{next: StaticResolver{
		"123 main st": {Lat: 40.7128, Lon: -74.0060},
		"9 oak ave":   {Lat: 40.7228, Lon: -74.0060},
	}}
	calc := NewCalculator(inner)
	ctx := context.Background()

	d, err := calc.Distance(ctx, "123 Main St", "123 main st.")
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Zero(t, inner.calls.Load(), "identical addresses skip resolution")

	d, err = calc.Distance(ctx, "123 Main St", "9 Oak Ave")
	require.NoError(t, err)
	assert.InDelta(t, 0.69, d, 0.01)

	again, err := calc.Distance(ctx, "123 Main St", "9 Oak Ave")
	require.NoError(t, err)
	assert.Equal(t, d, again)

	_, err = calc.Distance(ctx, "123 Main St", "1 Nowhere Rd")
	assert.True(t, errors.Is(err, ErrUnresolvable))

	_, err = calc.Distance(ctx, "", "9 Oak Ave")
	assert.True(t, errors.Is(err, ErrUnresolvable))
}

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "urbanfoodride-test", r.Header.Get("User-Agent"))
		switch r.URL.Query().Get("q") {
		case "123 main st":
			w.Write([]byte(`[{"lat":"40.7128","lon":"-74.0060"}]`))
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL+"/search", "urbanfoodride-test", time.Second)
	ctx := context.Background()

	p, err := r.Resolve(ctx, "123 main st")
	require.NoError(t, err)
	assert.InDelta(t, 40.7128, p.Lat, 1e-9)
	assert.InDelta(t, -74.0060, p.Lon, 1e-9)

	_, err = r.Resolve(ctx, "atlantis")
	assert.True(t, errors.Is(err, ErrUnresolvable))

	_, err = r.Resolve(ctx, "broken")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnresolvable), "upstream failures are retryable")
}

func TestCachedResolver(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	inner := &countingResolver{next: StaticResolver{"123 main st": {Lat: 1, Lon: 2}}}
	c := NewCachedResolver(inner, rdb, time.Hour)
	ctx := context.Background()

	p, err := c.Resolve(ctx, "123 Main St")
	require.NoError(t, err)
	assert.Equal(t, Point{Lat: 1, Lon: 2}, p)

	p, err = c.Resolve(ctx, "123 MAIN ST.")
	require.NoError(t, err)
	assert.Equal(t, Point{Lat: 1, Lon: 2}, p)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.True(t, mr.Exists("geo:123 main st"))

	_, err = c.Resolve(ctx, "Nowhere")
	assert.True(t, errors.Is(err, ErrUnresolvable))
	assert.False(t, mr.Exists("geo:nowhere"), "failures are not cached")
}

func TestCachedResolver_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	inner := &countingResolver{next: StaticResolver{"123 main st": {Lat: 1, Lon: 2}}}
	p, err := NewCachedResolver(inner, rdb, time.Hour).Resolve(context.Background(), "123 Main St")
	require.NoError(t, err)
	assert.Equal(t, Point{Lat: 1, Lon: 2}, p)
}
