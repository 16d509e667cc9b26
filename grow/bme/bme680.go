package bme

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/alepar/growmon/grow"
)

// BME680 registers
const (
	regFieldData    byte = 0x1D // status, then 14 bytes of measurement data
	regResHeatVal   byte = 0x00
	regResHeatRange byte = 0x02
	regRangeSwErr   byte = 0x04
	regResHeat0     byte = 0x5A
	regGasWait0     byte = 0x64
	regCtrlGas0     byte = 0x70
	regCtrlGas1     byte = 0x71
	regCtrlHum      byte = 0x72
	regCtrlMeas     byte = 0x74
	regConfig       byte = 0x75
	regCoeff1       byte = 0x89
	regChipID       byte = 0xD0
	regReset        byte = 0xE0
	regCoeff2       byte = 0xE1
)

const (
	bme680ChipID   byte = 0x61
	cmdSoftReset   byte = 0xB6
	modeSleep      byte = 0x00
	modeForced     byte = 0x01
	gasRun         byte = 0x10
	gasHeatOff     byte = 0x08
	statusNewData  byte = 0x80
	gasStatusValid byte = 0x20
	gasStatusHeat  byte = 0x10

	fieldDataLength = 15
	coeff1Length    = 25
	coeff2Length    = 16

	resetDelay   = 10 * time.Millisecond
	pollInterval = 10 * time.Millisecond
	maxPolls     = 10

	defaultAmbient = 25.0
)

// gas range lookup tables from the datasheet
var (
	gasRangeK1 = [16]float64{0, 0, 0, 0, 0, -1, 0, -0.8, 0, 0, -0.2, -0.5, 0, -1, 0, 0}
	gasRangeK2 = [16]float64{0, 0, 0, 0, 0.1, 0.7, 0, -0.8, -0.1, 0, 0, 0, 0, 0, 0, 0}
)

// BME680 drives a Bosch BME680 on the local I2C bus, gas heater included.
// Each Sample triggers one forced-mode measurement.
type BME680 struct {
	// Bus is the I2C bus name, empty for the first available bus.
	Bus string
	// Addr is tried first, then the other of the two Bosch addresses.
	Addr uint16

	mu      sync.Mutex
	bus     i2c.BusCloser
	dev     *i2c.Dev
	cal     bme680Calibration
	cfg     grow.EnvConfig
	ambient float64
}

type bme680Calibration struct {
	t1 uint16
	t2 int16
	t3 int8

	p1  uint16
	p2  int16
	p3  int8
	p4  int16
	p5  int16
	p6  int8
	p7  int8
	p8  int16
	p9  int16
	p10 uint8

	h1 uint16
	h2 uint16
	h3 int8
	h4 int8
	h5 int8
	h6 uint8
	h7 int8

	gh1 int8
	gh2 int16
	gh3 int8

	resHeatRange uint8
	resHeatVal   int8
	rangeSwErr   int8
}

func (b *BME680) Configure(cfg grow.EnvConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bus == nil {
		if _, err := host.Init(); err != nil {
			return errors.Wrap(err, "failed to initialize periph host drivers")
		}
		bus, err := i2creg.Open(b.Bus)
		if err != nil {
			return errors.Wrapf(err, "failed to open I2C bus %q", b.Bus)
		}
		b.bus = bus
	}

	if b.dev == nil {
		var dev *i2c.Dev
		var lastErr error
		for _, addr := range addresses(b.Addr) {
			d := &i2c.Dev{Bus: b.bus, Addr: addr}
			if lastErr = b.reset(d); lastErr == nil {
				dev = d
				log.Infof("found BME680 at I2C address 0x%02x", addr)
				break
			}
			log.Debugf("no BME680 at I2C address 0x%02x: %s", addr, lastErr)
		}
		if dev == nil {
			return errors.Wrap(lastErr, "failed to find a BME680 sensor")
		}
		cal, err := readCalibration(dev)
		if err != nil {
			return err
		}
		b.dev, b.cal = dev, cal
	}

	if b.ambient == 0 {
		b.ambient = defaultAmbient
	}
	b.cfg = cfg
	return b.writeSettings()
}

// reset soft resets the chip at dev and checks it is a BME680.
func (b *BME680) reset(dev *i2c.Dev) error {
	id := make([]byte, 1)
	if err := dev.Tx([]byte{regChipID}, id); err != nil {
		return errors.Wrap(err, "failed to read chip id")
	}
	if id[0] != bme680ChipID {
		return errors.Errorf("unexpected chip id 0x%02x", id[0])
	}
	if err := dev.Tx([]byte{regReset, cmdSoftReset}, nil); err != nil {
		return errors.Wrap(err, "failed to soft reset")
	}
	time.Sleep(resetDelay)
	return nil
}

func readCalibration(dev *i2c.Dev) (bme680Calibration, error) {
	c := make([]byte, coeff1Length+coeff2Length)
	if err := dev.Tx([]byte{regCoeff1}, c[:coeff1Length]); err != nil {
		return bme680Calibration{}, errors.Wrap(err, "failed to read calibration coefficients")
	}
	if err := dev.Tx([]byte{regCoeff2}, c[coeff1Length:]); err != nil {
		return bme680Calibration{}, errors.Wrap(err, "failed to read calibration coefficients")
	}
	heat := make([]byte, 5)
	if err := dev.Tx([]byte{regResHeatVal}, heat); err != nil {
		return bme680Calibration{}, errors.Wrap(err, "failed to read heater calibration")
	}

	le := binary.LittleEndian
	return bme680Calibration{
		t1: le.Uint16(c[33:]),
		t2: int16(le.Uint16(c[1:])),
		t3: int8(c[3]),

		p1:  le.Uint16(c[5:]),
		p2:  int16(le.Uint16(c[7:])),
		p3:  int8(c[9]),
		p4:  int16(le.Uint16(c[11:])),
		p5:  int16(le.Uint16(c[13:])),
		p6:  int8(c[16]),
		p7:  int8(c[15]),
		p8:  int16(le.Uint16(c[19:])),
		p9:  int16(le.Uint16(c[21:])),
		p10: c[23],

		// h1 and h2 share the nibbles of byte 26
		h1: uint16(c[27])<<4 | uint16(c[26]&0x0F),
		h2: uint16(c[25])<<4 | uint16(c[26]>>4),
		h3: int8(c[28]),
		h4: int8(c[29]),
		h5: int8(c[30]),
		h6: c[31],
		h7: int8(c[32]),

		gh1: int8(c[37]),
		gh2: int16(le.Uint16(c[35:])),
		gh3: int8(c[38]),

		resHeatRange: (heat[regResHeatRange] & 0x30) >> 4,
		resHeatVal:   int8(heat[regResHeatVal]),
		rangeSwErr:   int8(heat[regRangeSwErr]) >> 4,
	}, nil
}

// writeSettings puts the chip to sleep and writes oversampling, filter and
// heater settings. ctrl_hum only takes effect after a ctrl_meas write.
func (b *BME680) writeSettings() error {
	cfg := b.cfg
	w := []byte{
		regCtrlMeas, modeSleep,
		regCtrlHum, oversamplingCode(cfg.Humidity),
		regConfig, filterCode(cfg.Filter) << 2,
	}
	if cfg.GasEnabled {
		profile := byte(cfg.HeaterProfile)
		w = append(w,
			regResHeat0+profile, heaterResistance(b.cal, cfg.HeaterTemperature, b.ambient),
			regGasWait0+profile, heaterDuration(cfg.HeaterDuration),
			regCtrlGas0, 0,
			regCtrlGas1, gasRun|profile,
		)
	} else {
		w = append(w, regCtrlGas0, gasHeatOff, regCtrlGas1, 0)
	}
	w = append(w, regCtrlMeas, b.ctrlMeas(modeSleep))
	return errors.Wrap(b.dev.Tx(w, nil), "failed to write BME680 settings")
}

func (b *BME680) ctrlMeas(mode byte) byte {
	return oversamplingCode(b.cfg.Temperature)<<5 | oversamplingCode(b.cfg.Pressure)<<2 | mode
}

func (b *BME680) Sample(ctx context.Context) (grow.EnvValues, error) {
	if err := ctx.Err(); err != nil {
		return grow.EnvValues{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return grow.EnvValues{}, errors.New("BME680 not configured")
	}

	w := []byte{regCtrlMeas, b.ctrlMeas(modeForced)}
	if b.cfg.GasEnabled {
		// the heater set point depends on the ambient temperature
		res := heaterResistance(b.cal, b.cfg.HeaterTemperature, b.ambient)
		w = append([]byte{regResHeat0 + byte(b.cfg.HeaterProfile), res}, w...)
	}
	if err := b.dev.Tx(w, nil); err != nil {
		return grow.EnvValues{}, errors.Wrap(err, "failed to trigger a measurement")
	}
	if err := sleep(ctx, measurementDuration(b.cfg)); err != nil {
		return grow.EnvValues{}, err
	}

	data := make([]byte, fieldDataLength)
	for i := 0; ; i++ {
		if err := b.dev.Tx([]byte{regFieldData}, data); err != nil {
			return grow.EnvValues{}, errors.Wrap(err, "failed to read measurement")
		}
		if data[0]&statusNewData != 0 {
			break
		}
		if i == maxPolls {
			return grow.EnvValues{}, errors.New("BME680 measurement did not complete")
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return grow.EnvValues{}, err
		}
	}

	v := compensate(b.cal, data, b.cfg.GasEnabled)
	v.Time = time.Now()
	b.ambient = v.Temperature
	return v, nil
}

func (b *BME680) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dev = nil
	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	return errors.Wrap(err, "failed to close BME680")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// compensate converts raw field data into calibrated values.
func compensate(cal bme680Calibration, d []byte, gas bool) grow.EnvValues {
	adcP := uint32(d[2])<<12 | uint32(d[3])<<4 | uint32(d[4])>>4
	adcT := uint32(d[5])<<12 | uint32(d[6])<<4 | uint32(d[7])>>4
	adcH := uint16(d[8])<<8 | uint16(d[9])
	adcG := uint16(d[13])<<2 | uint16(d[14])>>6
	gasRange := d[14] & 0x0F

	tFine, temp := compensateTemperature(cal, adcT)
	v := grow.EnvValues{
		Temperature: temp,
		Pressure:    compensatePressure(cal, tFine, adcP) / 100,
		Humidity:    compensateHumidity(cal, temp, adcH),
	}
	if gas && d[14]&gasStatusValid != 0 {
		v.GasResistance = compensateGas(cal, adcG, gasRange)
		v.HeatStable = d[14]&gasStatusHeat != 0
	}
	return v
}

func compensateTemperature(cal bme680Calibration, adc uint32) (tFine, celsius float64) {
	var1 := (float64(adc)/16384 - float64(cal.t1)/1024) * float64(cal.t2)
	var2 := float64(adc)/131072 - float64(cal.t1)/8192
	var2 = var2 * var2 * float64(cal.t3) * 16
	tFine = var1 + var2
	return tFine, tFine / 5120
}

// compensatePressure returns Pa.
func compensatePressure(cal bme680Calibration, tFine float64, adc uint32) float64 {
	var1 := tFine/2 - 64000
	var2 := var1 * var1 * float64(cal.p6) / 131072
	var2 += var1 * float64(cal.p5) * 2
	var2 = var2/4 + float64(cal.p4)*65536
	var1 = (float64(cal.p3)*var1*var1/16384 + float64(cal.p2)*var1) / 524288
	var1 = (1 + var1/32768) * float64(cal.p1)
	if var1 == 0 {
		return 0
	}

	p := 1048576 - float64(adc)
	p = (p - var2/4096) * 6250 / var1
	var1 = float64(cal.p9) * p * p / 2147483648
	var2 = p * float64(cal.p8) / 32768
	var3 := (p / 256) * (p / 256) * (p / 256) * float64(cal.p10) / 131072
	return p + (var1+var2+var3+float64(cal.p7)*128)/16
}

func compensateHumidity(cal bme680Calibration, celsius float64, adc uint16) float64 {
	var1 := float64(adc) - (float64(cal.h1)*16 + float64(cal.h3)/2*celsius)
	var2 := var1 * (float64(cal.h2) / 262144 * (1 + float64(cal.h4)/16384*celsius + float64(cal.h5)/1048576*celsius*celsius))
	var3 := float64(cal.h6) / 16384
	var4 := float64(cal.h7) / 2097152
	h := var2 + (var3+var4*celsius)*var2*var2
	return math.Max(0, math.Min(100, h))
}

// compensateGas returns Ohms.
func compensateGas(cal bme680Calibration, adc uint16, gasRange byte) float64 {
	var1 := 1340 + 5*float64(cal.rangeSwErr)
	var2 := var1 * (1 + gasRangeK1[gasRange]/100)
	var3 := 1 + gasRangeK2[gasRange]/100
	return 1 / (var3 * 0.000000125 * float64(uint32(1)<<gasRange) * ((float64(adc)-512)/var2 + 1))
}

// heaterResistance is the res_heat register value for a target heater
// temperature, capped at 400 C.
func heaterResistance(cal bme680Calibration, target int, ambient float64) byte {
	t := math.Min(float64(target), 400)
	var1 := float64(cal.gh1)/16 + 49
	var2 := float64(cal.gh2)/32768*0.0005 + 0.00235
	var3 := float64(cal.gh3) / 1024
	var4 := var1 * (1 + var2*t)
	var5 := var4 + var3*ambient
	res := 3.4 * (var5*(4/(4+float64(cal.resHeatRange)))*(1/(1+float64(cal.resHeatVal)*0.002)) - 25)
	return byte(math.Max(0, math.Min(255, res)))
}

// heaterDuration encodes a heating time as a 6 bit value and a 2 bit
// multiplier of 1, 4, 16 or 64.
func heaterDuration(d time.Duration) byte {
	ms := d.Milliseconds()
	if ms >= 0xFC0 {
		return 0xFF
	}
	var factor int64
	for ms > 0x3F {
		ms /= 4
		factor++
	}
	return byte(ms + factor*64)
}

// measurementDuration is how long a forced measurement takes: oversampled
// conversions, fixed overheads and the heater time.
func measurementDuration(cfg grow.EnvConfig) time.Duration {
	cycles := int(cfg.Temperature) + int(cfg.Pressure) + int(cfg.Humidity)
	us := cycles*1963 + 477*4 + 477*5 + 500 + 1000
	d := time.Duration(us) * time.Microsecond
	if cfg.GasEnabled {
		d += cfg.HeaterDuration
	}
	return d
}

func oversamplingCode(o grow.Oversampling) byte {
	switch o {
	case grow.Oversampling1X:
		return 1
	case grow.Oversampling2X:
		return 2
	case grow.Oversampling4X:
		return 3
	case grow.Oversampling8X:
		return 4
	case grow.Oversampling16X:
		return 5
	default:
		return 0
	}
}

func filterCode(f grow.FilterSize) byte {
	switch f {
	case grow.FilterSize1:
		return 1
	case grow.FilterSize3:
		return 2
	case grow.FilterSize7:
		return 3
	case grow.FilterSize15:
		return 4
	case grow.FilterSize31:
		return 5
	case grow.FilterSize63:
		return 6
	case grow.FilterSize127:
		return 7
	default:
		return 0
	}
}
