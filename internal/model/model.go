package model

// AnalogChannel identifies one input of the water-quality ADC frontend.
type AnalogChannel string

const (
	ChannelTDS AnalogChannel = "tds"
	ChannelPH  AnalogChannel = "ph"
	ChannelDO  AnalogChannel = "do"
)

// RelayPin describes one relay output. ActiveHigh is false on the
// deployed board: driving the pin low energizes the relay. Only the
// gpio package is allowed to look at ActiveHigh.
type RelayPin struct {
	Number     int
	ActiveHigh bool
	Label      string
}

// Readings is one completed acquisition cycle: environment values plus
// the three converted analog channels.
type Readings struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity"`
	TDSPPM       float64 `json:"tds_ppm"`
	PHVoltageV   float64 `json:"ph_voltage_v"`
	DOVoltageV   float64 `json:"do_voltage_v"`
	EnvPresent   bool    `json:"env_present"`
}
