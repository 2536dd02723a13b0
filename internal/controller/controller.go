// Package controller runs the node's control loop. One goroutine owns
// all mutable state; serial commands always run before network work,
// and network I/O itself happens on the sync worker, never here.
package controller

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JFreitz/siboltech-node/internal/command"
	"github.com/JFreitz/siboltech-node/internal/datadog"
	"github.com/JFreitz/siboltech-node/internal/model"
	"github.com/JFreitz/siboltech-node/internal/netsync"
	"github.com/JFreitz/siboltech-node/internal/relay"
)

// Bank is the slice of the relay bank the controller drives.
type Bank interface {
	Set(index int, on bool)
	SetAll(on bool)
	Status()
	States() [relay.Count]bool
}

// Acquirer produces one full reading cycle.
type Acquirer interface {
	ReadAll() model.Readings
}

// Syncer is the async aggregator side: enqueue jobs, consume results.
type Syncer interface {
	TryEnqueue(job netsync.Job) bool
	Results() <-chan netsync.Result
}

// Console is the serial line: command lines in, status lines out.
type Console interface {
	Lines() <-chan string
	WriteLine(line string) error
	Banner()
	Close() error
}

// Config carries the loop timing. Defaults belong to config.Load, not
// here.
type Config struct {
	DeviceID          string
	PollInterval      time.Duration
	UploadInterval    time.Duration
	ReconnectInterval time.Duration
	SensorInterval    time.Duration
}

type session struct {
	connected   bool
	lastAttempt time.Time
}

// Snapshot is the controller state published for the status API.
type Snapshot struct {
	Device     string
	Connected  bool
	Relays     [relay.Count]bool
	Readings   model.Readings
	LastPoll   time.Time
	LastUpload time.Time
	LastRead   time.Time
}

type Controller struct {
	cfg     Config
	bank    Bank
	sensors Acquirer
	sync    Syncer
	console Console

	now func() time.Time

	session        session
	lastPoll       time.Time
	lastUpload     time.Time
	lastSensorRead time.Time
	pollInFlight   bool
	probeInFlight  bool
	uploadInFlight bool

	readings model.Readings

	mu   sync.RWMutex
	snap Snapshot
}

func New(cfg Config, bank Bank, acquirer Acquirer, syncer Syncer, cons Console) *Controller {
	return &Controller{
		cfg:     cfg,
		bank:    bank,
		sensors: acquirer,
		sync:    syncer,
		console: cons,
		now:     time.Now,
	}
}

// Run drives the loop until ctx is cancelled, then forces the safe
// state. Per iteration: drain serial lines, drain worker results, then
// schedule interval work. The session starts disconnected, so the
// first tick fires a probe immediately.
func (c *Controller) Run(ctx context.Context) {
	log.Info().Str("device", c.cfg.DeviceID).Msg("Starting control loop")
	c.console.Banner()
	c.publishSnapshot()

	for {
		select {
		case line := <-c.console.Lines():
			c.handleLine(line)
			continue
		default:
		}
		select {
		case res := <-c.sync.Results():
			c.handleResult(res)
			continue
		default:
		}

		now := c.now()
		c.tick(now)
		c.publishSnapshot()

		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case line := <-c.console.Lines():
			c.handleLine(line)
		case res := <-c.sync.Results():
			c.handleResult(res)
		case <-time.After(c.nextWake(now)):
		}
	}
}

// tick schedules interval work for one pass: poll while connected,
// probe while not, and past the sensor gate a full acquisition cycle
// with its telemetry line and (interval permitting) an upload.
func (c *Controller) tick(now time.Time) {
	if c.session.connected {
		if !c.pollInFlight && now.Sub(c.lastPoll) >= c.cfg.PollInterval {
			if c.sync.TryEnqueue(netsync.Job{Kind: netsync.JobPoll}) {
				c.pollInFlight = true
				c.lastPoll = now
			}
		}
	} else if !c.probeInFlight && now.Sub(c.session.lastAttempt) >= c.cfg.ReconnectInterval {
		if c.sync.TryEnqueue(netsync.Job{Kind: netsync.JobProbe}) {
			c.probeInFlight = true
			c.session.lastAttempt = now
			log.Info().Msg("Attempting aggregator connection")
		}
	}

	if now.Sub(c.lastSensorRead) < c.cfg.SensorInterval {
		return
	}
	c.lastSensorRead = now
	c.readings = c.sensors.ReadAll()
	c.emitTelemetry()
	c.reportGauges()

	if c.session.connected && !c.uploadInFlight && now.Sub(c.lastUpload) >= c.cfg.UploadInterval {
		if c.sync.TryEnqueue(netsync.Job{Kind: netsync.JobUpload, Readings: c.readings}) {
			c.uploadInFlight = true
			c.lastUpload = now
		}
	}
}

// nextWake bounds how long the loop may sleep: the nearest interval
// deadline, clamped to stay responsive to shutdown. Deadlines whose
// job is still in flight are left out, otherwise a slow aggregator
// would spin the loop at the floor until the result lands; the result
// channel wakes the loop the moment it does.
func (c *Controller) nextWake(now time.Time) time.Duration {
	next := c.lastSensorRead.Add(c.cfg.SensorInterval).Sub(now)
	if c.session.connected {
		if !c.pollInFlight {
			if d := c.lastPoll.Add(c.cfg.PollInterval).Sub(now); d < next {
				next = d
			}
		}
	} else if !c.probeInFlight {
		if d := c.session.lastAttempt.Add(c.cfg.ReconnectInterval).Sub(now); d < next {
			next = d
		}
	}
	if next < time.Millisecond {
		next = time.Millisecond
	}
	if next > time.Second {
		next = time.Second
	}
	return next
}

func (c *Controller) handleLine(line string) {
	cmd, ok := command.Parse(line)
	if !ok {
		log.Debug().Str("line", line).Msg("Ignoring unrecognized console line")
		return
	}
	c.dispatch(cmd)
}

// dispatch applies one parsed command. Relay-mutating commands echo
// the full status snapshot afterward, which the deployed operator
// tooling reads back.
func (c *Controller) dispatch(cmd command.Command) {
	switch cmd.Kind {
	case command.KindHelp:
		c.writeLine("Commands: R1 ON/OFF, ALL ON/OFF, STATUS")
	case command.KindStatus:
		c.bank.Status()
	case command.KindAllOn:
		c.bank.SetAll(true)
		c.bank.Status()
	case command.KindAllOff:
		c.bank.SetAll(false)
		c.bank.Status()
	case command.KindSetRelay:
		if cmd.Index < 1 || cmd.Index > relay.Count {
			log.Debug().Int("relay", cmd.Index).Msg("Dropping out-of-range relay command")
			return
		}
		c.bank.Set(cmd.Index, cmd.On)
		c.bank.Status()
	}
}

func (c *Controller) handleResult(res netsync.Result) {
	switch res.Kind {
	case netsync.JobPoll:
		c.pollInFlight = false
		if res.Err != nil {
			c.markDisconnected(res.Err)
			return
		}
		if res.StatusCode != http.StatusOK {
			log.Debug().Int("status", res.StatusCode).Msg("Poll failed")
			return
		}
		c.applyDesiredStates(res.States)
	case netsync.JobUpload:
		c.uploadInFlight = false
		if res.Err != nil {
			c.markDisconnected(res.Err)
			return
		}
		if res.StatusCode != http.StatusOK {
			log.Warn().Int("status", res.StatusCode).Msg("Reading upload rejected")
			return
		}
		log.Debug().Msg("Readings uploaded")
	case netsync.JobProbe:
		c.probeInFlight = false
		if res.Err != nil {
			log.Warn().Err(res.Err).Msg("Aggregator unreachable, will retry")
			return
		}
		c.session.connected = true
		log.Info().Int("status", res.StatusCode).Msg("Aggregator connection established")
	}
}

func (c *Controller) markDisconnected(err error) {
	if c.session.connected {
		log.Warn().Err(err).Msg("Aggregator link lost")
	}
	c.session.connected = false
}

// applyDesiredStates reconciles the aggregator's desired vector onto
// the bank. A malformed vector is rejected wholly, never applied in
// part; a valid one touches only the positions that differ, so a
// steady poll stream cannot chatter the relays.
func (c *Controller) applyDesiredStates(states string) {
	if states == "" {
		return
	}
	if len(states) != relay.Count {
		log.Debug().Str("states", states).Msg("Discarding desired-state vector of wrong length")
		return
	}
	var desired [relay.Count]bool
	for i := 0; i < relay.Count; i++ {
		switch states[i] {
		case '1':
			desired[i] = true
		case '0':
		default:
			log.Debug().Str("states", states).Msg("Discarding desired-state vector with invalid characters")
			return
		}
	}
	current := c.bank.States()
	for i, want := range desired {
		if want != current[i] {
			c.bank.Set(i+1, want)
			log.Info().Int("relay", i+1).Bool("on", want).Msg("Cloud relay change applied")
		}
	}
}

// emitTelemetry prints the once-per-cycle readings line. Two-decimal
// formatting matches the previous firmware's output, which the
// aggregator-side serial tooling parses.
func (c *Controller) emitTelemetry() {
	line := fmt.Sprintf(`{"device":%q,"readings":{"temp":%.2f,"humidity":%.2f,"tds":%.2f}}`,
		c.cfg.DeviceID, c.readings.TemperatureC, c.readings.HumidityPct, c.readings.TDSPPM)
	c.writeLine(line)
}

func (c *Controller) reportGauges() {
	tags := []string{"device:" + c.cfg.DeviceID}
	datadog.Gauge("sensor.temperature_c", c.readings.TemperatureC, tags...)
	datadog.Gauge("sensor.humidity_pct", c.readings.HumidityPct, tags...)
	datadog.Gauge("sensor.tds_ppm", c.readings.TDSPPM, tags...)
	datadog.Gauge("sensor.ph_voltage_v", c.readings.PHVoltageV, tags...)
	datadog.Gauge("sensor.do_voltage_v", c.readings.DOVoltageV, tags...)
}

func (c *Controller) writeLine(line string) {
	if err := c.console.WriteLine(line); err != nil {
		log.Warn().Err(err).Msg("Console write failed")
	}
}

func (c *Controller) publishSnapshot() {
	snap := Snapshot{
		Device:     c.cfg.DeviceID,
		Connected:  c.session.connected,
		Relays:     c.bank.States(),
		Readings:   c.readings,
		LastPoll:   c.lastPoll,
		LastUpload: c.lastUpload,
		LastRead:   c.lastSensorRead,
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

// Snapshot returns the latest published state for the status API.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// shutdown forces the safe state before the process exits: every relay
// off, console closed.
func (c *Controller) shutdown() {
	log.Info().Msg("Shutting down: forcing all relays off")
	c.bank.SetAll(false)
	if err := c.console.Close(); err != nil {
		log.Warn().Err(err).Msg("Console close failed")
	}
}
