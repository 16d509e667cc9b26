package grow

// Station is a remote growmon instance reachable over BLE.
type Station interface {
	Address() string
	Receive() (StationValues, error)
}

// Scanner discovers stations, keyed by address.
type Scanner interface {
	Scan() (map[string]Station, error)
}

// StationValues is the compact form of a report that a station publishes.
type StationValues struct {
	// true when the last gas reading came from a heat-stable sensor
	HeatStable bool

	// true once the gas baseline is fixed and scores are emitted
	Scoring bool

	// units: degrees Celsius
	Temperature float32

	// units: hPa
	Pressure float32

	// units: % of relative Humidity
	Humidity float32

	// pseudo-AQI, 1-500
	AQI float32

	// units: ppm
	Co2Level float32

	// units: ppb
	TvocLevel float32

	Channels []ChannelValues
}

type ChannelValues struct {
	// units: pulses per second
	Frequency float32

	// 0.0 (dry) to 1.0 (wet); negative when calibration is undefined
	Saturation float32
}
