// Package gatt publishes growmon reports over BLE GATT and reads them back
// from other stations.
package gatt

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/monitor"
)

var (
	ServiceUUID        = ble.MustParse("6f1c0a3e9d4b4e2a8c7f1b5d2e3a4c10")
	CharacteristicUUID = ble.MustParse("6f1c0a3e9d4b4e2a8c7f1b5d2e3a4c11")
)

const (
	payloadVersion = 1

	flagHeatStable = 1 << 0
	flagScoring    = 1 << 1

	undefinedSaturation = math.MaxUint16

	headerSize  = 14
	channelSize = 4
)

var (
	ErrShortPayload       = errors.New("gatt: payload too short")
	ErrUnsupportedVersion = errors.New("gatt: unsupported payload version")
)

// all fields little endian, in wire order
type rawHeader struct {
	Version     uint8
	Flags       uint8
	Humidity    uint8 // x2
	Channels    uint8
	Temperature int16  // x100
	Pressure    uint16 // x50
	AQI         uint16 // x10
	Co2         uint16
	Tvoc        uint16
}

type rawChannel struct {
	Saturation uint16 // x1000
	Frequency  uint16 // x100
}

// Encode packs values into the characteristic payload. Out of range values
// are clamped to the field's range.
func Encode(v grow.StationValues) []byte {
	h := rawHeader{
		Version:     payloadVersion,
		Humidity:    uint8(clamp(v.Humidity*2, 0, math.MaxUint8)),
		Channels:    uint8(len(v.Channels)),
		Temperature: int16(clamp(v.Temperature*100, math.MinInt16, math.MaxInt16)),
		Pressure:    uint16(clamp(v.Pressure*50, 0, math.MaxUint16)),
		AQI:         uint16(clamp(v.AQI*10, 0, math.MaxUint16)),
		Co2:         uint16(clamp(v.Co2Level, 0, math.MaxUint16)),
		Tvoc:        uint16(clamp(v.TvocLevel, 0, math.MaxUint16)),
	}
	if v.HeatStable {
		h.Flags |= flagHeatStable
	}
	if v.Scoring {
		h.Flags |= flagScoring
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+channelSize*len(v.Channels)))
	_ = binary.Write(buf, binary.LittleEndian, h)
	for _, c := range v.Channels {
		raw := rawChannel{
			Saturation: undefinedSaturation,
			Frequency:  uint16(clamp(c.Frequency*100, 0, math.MaxUint16)),
		}
		if c.Saturation >= 0 {
			raw.Saturation = uint16(clamp(c.Saturation*1000, 0, 1000))
		}
		_ = binary.Write(buf, binary.LittleEndian, raw)
	}
	return buf.Bytes()
}

func Decode(b []byte) (grow.StationValues, error) {
	if len(b) < headerSize {
		return grow.StationValues{}, errors.Wrapf(ErrShortPayload, "%d bytes", len(b))
	}
	if b[0] != payloadVersion {
		return grow.StationValues{}, errors.Wrapf(ErrUnsupportedVersion, "version %d", b[0])
	}

	buf := bytes.NewReader(b)
	var h rawHeader
	_ = binary.Read(buf, binary.LittleEndian, &h)
	if want := headerSize + channelSize*int(h.Channels); len(b) < want {
		return grow.StationValues{}, errors.Wrapf(ErrShortPayload, "%d bytes for %d channels", len(b), h.Channels)
	}

	v := grow.StationValues{
		HeatStable:  h.Flags&flagHeatStable != 0,
		Scoring:     h.Flags&flagScoring != 0,
		Humidity:    float32(h.Humidity) / 2.0,
		Temperature: float32(h.Temperature) / 100.0,
		Pressure:    float32(h.Pressure) / 50.0,
		AQI:         float32(h.AQI) / 10.0,
		Co2Level:    float32(h.Co2),
		TvocLevel:   float32(h.Tvoc),
		Channels:    make([]grow.ChannelValues, h.Channels),
	}
	for i := range v.Channels {
		var raw rawChannel
		_ = binary.Read(buf, binary.LittleEndian, &raw)
		v.Channels[i].Frequency = float32(raw.Frequency) / 100.0
		if raw.Saturation == undefinedSaturation {
			v.Channels[i].Saturation = -1
		} else {
			v.Channels[i].Saturation = float32(raw.Saturation) / 1000.0
		}
	}
	return v, nil
}

// FromReport condenses a monitor report into station values.
func FromReport(r monitor.Report) grow.StationValues {
	v := grow.StationValues{
		HeatStable:  r.Env.HeatStable,
		Scoring:     r.State == airquality.Scoring,
		Temperature: float32(r.Env.Temperature),
		Pressure:    float32(r.Env.Pressure),
		Humidity:    float32(r.Env.Humidity),
		Channels:    make([]grow.ChannelValues, len(r.Moisture)),
	}
	if aq := r.AirQuality; aq != nil {
		v.AQI = float32(aq.AQI)
		v.Co2Level = float32(aq.CO2)
		v.TvocLevel = float32(aq.TVOC)
	}
	for i, m := range r.Moisture {
		v.Channels[i] = grow.ChannelValues{Frequency: float32(m.Frequency), Saturation: -1}
		if m.Calibrated {
			v.Channels[i].Saturation = float32(m.Saturation)
		}
	}
	return v
}

func clamp(v float32, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(float64(v))))
}
