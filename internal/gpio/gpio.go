// Package gpio is the hardware write boundary for the relay board.
// Logical relay state crosses into electrical pin state here and
// nowhere else.
package gpio

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/JFreitz/siboltech-node/internal/model"
	"github.com/JFreitz/siboltech-node/internal/pinctrl"
)

var safeMode bool

// SetSafeMode disables all hardware access. Used for bench runs and tests.
func SetSafeMode(enabled bool) {
	safeMode = enabled
	if enabled {
		log.Warn().Msg("Safe mode enabled: GPIO writes will be skipped")
	}
}

// DriveFor maps a logical relay state to the pinctrl drive argument.
// The deployed board is active-low: switching a relay on drives the
// pin low. This is the only place polarity is resolved; the boot asset
// generator uses it too.
func DriveFor(pin model.RelayPin, on bool) string {
	if on == pin.ActiveHigh {
		return "dh"
	}
	return "dl"
}

// LogicalState is DriveFor read in the other direction: given the
// electrical level of a pin, it reports the relay's logical state.
// Everything that turns a pin level back into ON or OFF goes through
// here.
func LogicalState(pin model.RelayPin, levelHigh bool) bool {
	return levelHigh == pin.ActiveHigh
}

// Apply drives a relay pin to the given logical state. Defined as a
// package var so tests can substitute a recording fake.
var Apply = func(pin model.RelayPin, on bool) error {
	if safeMode {
		log.Debug().Int("pin", pin.Number).Bool("on", on).Msg("Safe mode: skipping GPIO write")
		return nil
	}
	if err := pinctrl.SetPin(pin.Number, "op", "pn", DriveFor(pin, on)); err != nil {
		return fmt.Errorf("drive relay pin %d: %w", pin.Number, err)
	}
	return nil
}

// CurrentlyOn reports the logical state of a relay pin by reading its
// electrical level back through pinctrl. Defined as a package var so
// tests can substitute a fake.
var CurrentlyOn = func(pin model.RelayPin) (bool, error) {
	level, err := pinctrl.ReadLevel(pin.Number)
	if err != nil {
		return false, err
	}
	return LogicalState(pin, level), nil
}

// ValidateStartupPins confirms every relay pin is reachable through
// pinctrl before the bank takes ownership of them. An unusable pin here
// means the node cannot do its job, so boot stops. A pin that reads
// logically ON only gets a warning: the bank forces everything off the
// moment it is built.
func ValidateStartupPins(pins []model.RelayPin) error {
	if safeMode {
		log.Debug().Msg("Safe mode: skipping startup pin validation")
		return nil
	}
	for _, pin := range pins {
		on, err := CurrentlyOn(pin)
		if err != nil {
			return fmt.Errorf("relay pin %d is not readable: %w", pin.Number, err)
		}
		if on {
			log.Warn().Int("pin", pin.Number).Str("label", pin.Label).Msg("Relay reads ON before init, the bank will force it off")
			continue
		}
		log.Debug().Int("pin", pin.Number).Msg("Startup pin reads off")
	}
	return nil
}
