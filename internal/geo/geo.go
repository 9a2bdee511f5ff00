// Package geo answers "how far apart are these two addresses, in miles".
// Distances are a pure function of the two inputs: addresses resolve to fixed
// coordinates and the great-circle distance between them is returned.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// ErrUnresolvable means an address has no known coordinates. Asking again
// will not change the answer.
var ErrUnresolvable = errors.New("address cannot be resolved")

const earthRadiusMiles = 3958.8

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Resolver maps an address line to coordinates.
type Resolver interface {
	Resolve(ctx context.Context, address string) (Point, error)
}

// Haversine returns the great-circle distance between a and b in miles.
func Haversine(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Normalize folds case, punctuation and whitespace so that equivalent spellings
// of one address compare equal.
func Normalize(address string) string {
	fields := strings.FieldsFunc(strings.ToLower(address), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.' || r == '#'
	})
	return strings.Join(fields, " ")
}

// Calculator computes distances between addresses through a Resolver.
type Calculator struct {
	resolver Resolver
}

func NewCalculator(r Resolver) *Calculator {
	return &Calculator{resolver: r}
}

// Distance returns the miles between a and b. Addresses that normalize to the
// same string are zero miles apart without consulting the resolver.
func (c *Calculator) Distance(ctx context.Context, a, b string) (float64, error) {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0, fmt.Errorf("%w: empty address", ErrUnresolvable)
	}
	if na == nb {
		return 0, nil
	}
	pa, err := c.resolver.Resolve(ctx, na)
	if err != nil {
		return 0, fmt.Errorf("resolve %q: %w", a, err)
	}
	pb, err := c.resolver.Resolve(ctx, nb)
	if err != nil {
		return 0, fmt.Errorf("resolve %q: %w", b, err)
	}
	return Haversine(pa, pb), nil
}

// StaticResolver resolves from a fixed table keyed by normalized address.
type StaticResolver map[string]Point

func (s StaticResolver) Resolve(_ context.Context, address string) (Point, error) {
	if p, ok := s[Normalize(address)]; ok {
		return p, nil
	}
	return Point{}, fmt.Errorf("%w: %q", ErrUnresolvable, address)
}
