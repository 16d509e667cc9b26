package airquality

import "math"

// Empirical gas resistance range of the sensor: MinGasResistance is heavy
// pollution, MaxGasResistance very clean air.
const (
	MinGasResistance = 10.0
	MaxGasResistance = 1_400_000.0
)

const (
	baseCo2 = 400.0  // ppm, clean outdoor air
	maxCo2  = 2500.0 // ppm, potentially unhealthy
	maxAQI  = 500.0

	maxTvoc = 1000.0 // ppb
)

func clampGasResistance(r float64) float64 {
	return math.Max(MinGasResistance, math.Min(r, MaxGasResistance))
}

// GasResistanceToAQI maps resistance to a 1-500 pseudo-AQI that decreases as
// resistance grows.
func GasResistanceToAQI(r float64) float64 {
	r = clampGasResistance(r)
	return maxAQI - math.Floor((r-MinGasResistance)/(MaxGasResistance-MinGasResistance)*499)
}

// AQIToCO2 linearly scales an AQI onto 400-2500 ppm. AQI values outside
// 0-500 extrapolate.
func AQIToCO2(aqi float64) float64 {
	return baseCo2 + (maxCo2-baseCo2)*(aqi/maxAQI)
}

// GasResistanceToTVOC maps resistance to 0-1000 ppb.
func GasResistanceToTVOC(r float64) float64 {
	r = clampGasResistance(r)
	return maxTvoc - ((r-MinGasResistance)/(MaxGasResistance-MinGasResistance))*maxTvoc
}
