// Package sensors acquires the node's readings: air temperature and
// humidity from a BME280, plus the three analog water-quality channels
// (TDS, pH, dissolved oxygen) from the IIO ADC frontend.
package sensors

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/JFreitz/siboltech-node/internal/model"
)

const (
	primaryEnvAddr   = 0x76
	secondaryEnvAddr = 0x77

	oversampleCount = 20
	sampleGap       = 2 * time.Millisecond

	fallbackTemperatureC = 25.0
	fallbackHumidityPct  = 50.0

	tdsScale = 0.5
)

// Config carries the acquisition wiring. Channels are IIO channel
// numbers under the device directory, not GPIO pins.
type Config struct {
	IIODevice    string
	TDSChannel   int
	PHChannel    int
	DOChannel    int
	ADCVref      float64
	ADCMaxCounts int
	I2CBus       int
}

// envReader is the slice of the BME280 driver the acquirer uses.
type envReader interface {
	Temperature() (float32, error)
	Humidity() (float32, error)
}

// probeEnvSensor connects the I2C adaptor and tries the two known bus
// addresses in order. Package var so tests can fake discovery.
var probeEnvSensor = func(bus int) (envReader, error) {
	adaptor := raspi.NewAdaptor()
	if err := adaptor.Connect(); err != nil {
		return nil, fmt.Errorf("connect raspi adaptor: %w", err)
	}
	var lastErr error
	for _, addr := range []int{primaryEnvAddr, secondaryEnvAddr} {
		driver := i2c.NewBME280Driver(adaptor, i2c.WithBus(bus), i2c.WithAddress(addr))
		if err := driver.Start(); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("address", addr).Msg("No environment sensor at address")
			continue
		}
		log.Info().Int("address", addr).Msg("Environment sensor found")
		return driver, nil
	}
	return nil, fmt.Errorf("environment sensor not found on i2c bus %d: %w", bus, lastErr)
}

// readRawCounts reads one raw ADC sample from the IIO sysfs file for a
// channel. Package var so tests can fake the ADC.
var readRawCounts = func(device string, channel int) (int, error) {
	file := filepath.Join(device, fmt.Sprintf("in_voltage%d_raw", channel))
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed ADC sample in %s: %w", file, err)
	}
	return n, nil
}

// EnvironmentReading is one air temperature/humidity read. Present
// reports whether the hardware was discovered at boot, not whether
// this particular read succeeded.
type EnvironmentReading struct {
	TemperatureC float64
	HumidityPct  float64
	Present      bool
}

// Acquirer owns the sensor suite. Environment discovery happens once
// in New and the outcome is cached for the life of the process.
type Acquirer struct {
	cfg     Config
	env     envReader
	present bool
	sleep   func(time.Duration)
}

func New(cfg Config) *Acquirer {
	a := &Acquirer{cfg: cfg, sleep: time.Sleep}
	env, err := probeEnvSensor(cfg.I2CBus)
	if err != nil {
		log.Warn().Err(err).
			Float64("fallback_temp_c", fallbackTemperatureC).
			Float64("fallback_humidity", fallbackHumidityPct).
			Msg("Environment sensor unavailable, fallback readings in effect")
		return a
	}
	a.env = env
	a.present = true
	return a
}

// ReadEnvironment returns the current air temperature and humidity.
// When discovery failed at boot every call returns the fallback
// values; the bus is never re-probed. A transient read failure on a
// discovered sensor also falls back, for that call only.
func (a *Acquirer) ReadEnvironment() EnvironmentReading {
	reading := EnvironmentReading{
		TemperatureC: fallbackTemperatureC,
		HumidityPct:  fallbackHumidityPct,
		Present:      a.present,
	}
	if !a.present {
		return reading
	}
	temp, err := a.env.Temperature()
	if err != nil {
		log.Warn().Err(err).Msg("Environment temperature read failed, using fallback values")
		return reading
	}
	reading.TemperatureC = float64(temp)
	humidity, err := a.env.Humidity()
	if err != nil {
		log.Warn().Err(err).Msg("Environment humidity read failed, using fallback value")
		return reading
	}
	reading.HumidityPct = float64(humidity)
	return reading
}

// analogInput pairs a water-quality input with its configured ADC
// channel. The name shows up in sampler failure logs; ad-hoc reads
// leave it empty.
type analogInput struct {
	name    model.AnalogChannel
	channel int
}

// ReadChannel oversamples one ADC channel and returns the arithmetic
// mean of the raw counts. The sampling loop is the only deliberate
// blocking in the acquisition path, a few tens of milliseconds.
func (a *Acquirer) ReadChannel(channel int) float64 {
	return a.sampleMeans([]analogInput{{channel: channel}})[0]
}

// sampleMeans oversamples several inputs in one interleaved pass: one
// read per input per iteration, one gap per iteration, matching the
// previous firmware's timing envelope. A failing sampler logs once per
// pass and contributes zero counts. Means come back in input order.
func (a *Acquirer) sampleMeans(inputs []analogInput) []float64 {
	sums := make([]float64, len(inputs))
	logged := false
	for i := 0; i < oversampleCount; i++ {
		for j, in := range inputs {
			n, err := readRawCounts(a.cfg.IIODevice, in.channel)
			if err != nil {
				if !logged {
					evt := log.Warn().Err(err).Int("channel", in.channel)
					if in.name != "" {
						evt = evt.Str("input", string(in.name))
					}
					evt.Msg("ADC read failed, sampling zeros")
					logged = true
				}
				continue
			}
			sums[j] += float64(n)
		}
		a.sleep(sampleGap)
	}
	means := make([]float64, len(inputs))
	for j, sum := range sums {
		means[j] = sum / oversampleCount
	}
	return means
}

// Voltage converts a raw count average to volts using the frontend's
// reference voltage and full-scale count.
func (a *Acquirer) Voltage(rawAverage float64) float64 {
	return rawAverage / float64(a.cfg.ADCMaxCounts) * a.cfg.ADCVref
}

// CompensateTDS converts a TDS probe voltage to ppm. The voltage is
// temperature compensated first (2% per degree around 25C), then
// pushed through the probe's cubic, then halved per its K value. A
// non-positive compensation factor falls back to the raw voltage so
// cold readings can never divide toward infinity.
func CompensateTDS(voltage, temperatureC float64) float64 {
	factor := 1.0 + 0.02*(temperatureC-25.0)
	v := voltage
	if factor > 0 {
		v = voltage / factor
	}
	return (133.42*v*v*v - 255.86*v*v + 857.39*v) * tdsScale
}

// ReadAll runs one full acquisition cycle: environment first (TDS
// compensation needs the current temperature), then the three analog
// inputs interleaved.
func (a *Acquirer) ReadAll() model.Readings {
	env := a.ReadEnvironment()
	means := a.sampleMeans([]analogInput{
		{name: model.ChannelTDS, channel: a.cfg.TDSChannel},
		{name: model.ChannelPH, channel: a.cfg.PHChannel},
		{name: model.ChannelDO, channel: a.cfg.DOChannel},
	})
	return model.Readings{
		TemperatureC: env.TemperatureC,
		HumidityPct:  env.HumidityPct,
		TDSPPM:       CompensateTDS(a.Voltage(means[0]), env.TemperatureC),
		PHVoltageV:   a.Voltage(means[1]),
		DOVoltageV:   a.Voltage(means[2]),
		EnvPresent:   env.Present,
	}
}
