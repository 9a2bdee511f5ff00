package rides

import "math"

type tier struct {
	below   float64
	percent int
}

// Lower bounds are inclusive: exactly 1.0 mile falls in the 75% tier.
var tiers = []tier{
	{below: 1, percent: 100},
	{below: 2, percent: 75},
	{below: 3, percent: 50},
	{below: 4, percent: 25},
}

// Discount maps the miles between a ride pickup and a delivery address to a
// percentage off the ride.
func Discount(miles float64) int {
	if math.IsNaN(miles) {
		return 0
	}
	for _, t := range tiers {
		if miles < t.below {
			return t.percent
		}
	}
	return 0
}
