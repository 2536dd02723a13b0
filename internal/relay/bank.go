// Package relay owns the logical relay vector and keeps it consistent
// with the physical outputs.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/JFreitz/siboltech-node/internal/datadog"
	"github.com/JFreitz/siboltech-node/internal/gpio"
	"github.com/JFreitz/siboltech-node/internal/model"
)

// Count is the number of relay lines on the deployed board.
const Count = 9

// LineWriter receives single-line status notifications. The serial
// console implements it in production.
type LineWriter interface {
	WriteLine(line string) error
}

// Bank tracks the logical state of all relay lines. Indexes are 1-based
// in every public operation; anything outside [1, Count] is a no-op.
type Bank struct {
	pins   [Count]model.RelayPin
	states [Count]bool
	out    LineWriter
}

type relayStatus struct {
	Relay int    `json:"relay"`
	State string `json:"state"`
}

type bulkStatus struct {
	AllRelays string `json:"all_relays"`
}

type statusSnapshot struct {
	RelayStatus []relayStatus `json:"relay_status"`
}

// New builds a bank over the given pins and forces every relay off
// before returning, so boot state never depends on whatever the board
// was doing before the process started.
func New(pins []model.RelayPin, out LineWriter) (*Bank, error) {
	if len(pins) != Count {
		return nil, fmt.Errorf("expected %d relay pins, got %d", Count, len(pins))
	}
	b := &Bank{out: out}
	copy(b.pins[:], pins)
	b.applyAll(false)
	return b, nil
}

// Set switches one relay and emits its status line. Out-of-range
// indexes are ignored without output. The hardware write happens even
// when the logical value is unchanged; a failed write leaves the
// logical state alone so the next reconciliation pass retries it.
func (b *Bank) Set(index int, on bool) {
	if index < 1 || index > Count {
		log.Debug().Int("relay", index).Msg("Ignoring out-of-range relay index")
		return
	}
	i := index - 1
	if err := gpio.Apply(b.pins[i], on); err != nil {
		log.Error().Err(err).Int("relay", index).Str("label", b.pins[i].Label).Msg("Relay write failed, keeping previous state")
		return
	}
	b.states[i] = on
	log.Debug().Int("relay", index).Str("label", b.pins[i].Label).Bool("on", on).Msg("Relay set")
	datadog.Incr("relay.set", fmt.Sprintf("relay:%d", index), "state:"+stateWord(on))
	b.notify(relayStatus{Relay: index, State: stateWord(on)})
}

// SetAll switches every relay and emits the single bulk status line in
// place of nine per-relay lines. When any write fails the bulk line is
// suppressed, so it never claims more than the board actually did; the
// relays that kept their old state are retried by the next
// reconciliation pass.
func (b *Bank) SetAll(on bool) {
	if failed := b.applyAll(on); failed > 0 {
		log.Warn().Int("failed", failed).Str("state", stateWord(on)).Msg("Bulk relay change incomplete, skipping summary line")
		return
	}
	datadog.Incr("relay.set_all", "state:"+stateWord(on))
	b.notify(bulkStatus{AllRelays: stateWord(on)})
}

func (b *Bank) applyAll(on bool) int {
	failed := 0
	for i := range b.pins {
		if err := gpio.Apply(b.pins[i], on); err != nil {
			log.Error().Err(err).Int("relay", i+1).Msg("Relay write failed, keeping previous state")
			failed++
			continue
		}
		b.states[i] = on
	}
	return failed
}

// Status emits the full vector as one relay_status line. Pure read
// apart from the console write.
func (b *Bank) Status() {
	list := make([]relayStatus, Count)
	for i, on := range b.states {
		list[i] = relayStatus{Relay: i + 1, State: stateWord(on)}
	}
	b.notify(statusSnapshot{RelayStatus: list})
}

// States returns a copy of the logical vector for reconciliation and
// the status API.
func (b *Bank) States() [Count]bool {
	return b.states
}

func (b *Bank) notify(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode status line")
		return
	}
	if err := b.out.WriteLine(string(data)); err != nil {
		log.Warn().Err(err).Msg("Failed to write status line")
	}
}

func stateWord(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
