package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFreitz/siboltech-node/internal/model"
	"github.com/JFreitz/siboltech-node/internal/netsync"
	"github.com/JFreitz/siboltech-node/internal/relay"
)

type bankCall struct {
	op    string // set, set_all, status
	index int
	on    bool
}

type fakeBank struct {
	mu     sync.Mutex
	states [relay.Count]bool
	calls  []bankCall
}

func (b *fakeBank) Set(index int, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index >= 1 && index <= relay.Count {
		b.states[index-1] = on
	}
	b.calls = append(b.calls, bankCall{op: "set", index: index, on: on})
}

func (b *fakeBank) SetAll(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.states {
		b.states[i] = on
	}
	b.calls = append(b.calls, bankCall{op: "set_all", on: on})
}

func (b *fakeBank) Status() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, bankCall{op: "status"})
}

func (b *fakeBank) States() [relay.Count]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states
}

func (b *fakeBank) callLog() []bankCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bankCall(nil), b.calls...)
}

type fakeSync struct {
	mu      sync.Mutex
	jobs    []netsync.Job
	results chan netsync.Result
}

func newFakeSync() *fakeSync {
	return &fakeSync{results: make(chan netsync.Result, 8)}
}

func (s *fakeSync) TryEnqueue(job netsync.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return true
}

func (s *fakeSync) Results() <-chan netsync.Result { return s.results }

func (s *fakeSync) jobLog() []netsync.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netsync.Job(nil), s.jobs...)
}

func (s *fakeSync) jobKinds() []netsync.JobKind {
	var kinds []netsync.JobKind
	for _, j := range s.jobLog() {
		kinds = append(kinds, j.Kind)
	}
	return kinds
}

type fakeConsole struct {
	mu     sync.Mutex
	lines  chan string
	out    []string
	closed bool
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{lines: make(chan string, 8)}
}

func (f *fakeConsole) Lines() <-chan string { return f.lines }

func (f *fakeConsole) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, line)
	return nil
}

func (f *fakeConsole) Banner() {}

func (f *fakeConsole) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConsole) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.out...)
}

func (f *fakeConsole) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeAcquirer struct {
	mu       sync.Mutex
	readings model.Readings
	reads    int
}

func (a *fakeAcquirer) ReadAll() model.Readings {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	return a.readings
}

func (a *fakeAcquirer) readCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

type rig struct {
	c    *Controller
	bank *fakeBank
	sync *fakeSync
	cons *fakeConsole
	acq  *fakeAcquirer
	now  time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		bank: &fakeBank{},
		sync: newFakeSync(),
		cons: newFakeConsole(),
		acq: &fakeAcquirer{readings: model.Readings{
			TemperatureC: 21.5,
			HumidityPct:  60,
			TDSPPM:       342.25,
			PHVoltageV:   1.65,
			DOVoltageV:   0.9,
			EnvPresent:   true,
		}},
		now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	r.c = New(Config{
		DeviceID:          "esp32-wroom32",
		PollInterval:      50 * time.Millisecond,
		UploadInterval:    2 * time.Second,
		ReconnectInterval: 10 * time.Second,
		SensorInterval:    time.Second,
	}, r.bank, r.acq, r.sync, r.cons)
	r.c.now = func() time.Time { return r.now }
	return r
}

func (r *rig) advance(d time.Duration) {
	r.now = r.now.Add(d)
}

func (r *rig) connect(t *testing.T) {
	t.Helper()
	r.c.handleResult(netsync.Result{Kind: netsync.JobProbe, StatusCode: 200})
	require.True(t, r.c.session.connected)
}

func TestDispatchHelpWritesUsage(t *testing.T) {
	r := newRig(t)

	r.c.handleLine("HELP")

	require.Len(t, r.cons.written(), 1)
	assert.Equal(t, "Commands: R1 ON/OFF, ALL ON/OFF, STATUS", r.cons.written()[0])
	assert.Empty(t, r.bank.callLog())
}

func TestDispatchStatus(t *testing.T) {
	r := newRig(t)

	r.c.handleLine("STATUS")

	assert.Equal(t, []bankCall{{op: "status"}}, r.bank.callLog())
}

func TestDispatchSetRelayEchoesSnapshot(t *testing.T) {
	r := newRig(t)

	r.c.handleLine("r3 on")

	assert.Equal(t, []bankCall{
		{op: "set", index: 3, on: true},
		{op: "status"},
	}, r.bank.callLog())
}

func TestDispatchAllCommands(t *testing.T) {
	r := newRig(t)

	r.c.handleLine("ALL ON")
	r.c.handleLine("ALL OFF")

	assert.Equal(t, []bankCall{
		{op: "set_all", on: true},
		{op: "status"},
		{op: "set_all", on: false},
		{op: "status"},
	}, r.bank.callLog())
}

func TestDispatchDropsOutOfRangeRelay(t *testing.T) {
	r := newRig(t)

	r.c.handleLine("R10 ON")
	r.c.handleLine("R0 ON")
	r.c.handleLine("RUN FAST") // parses as relay 0

	assert.Empty(t, r.bank.callLog(), "out-of-range commands produce no bank calls and no status echo")
	assert.Empty(t, r.cons.written())
}

func TestHandleLineIgnoresUnrecognizedInput(t *testing.T) {
	r := newRig(t)

	r.c.handleLine("TOGGLE EVERYTHING")
	r.c.handleLine("")

	assert.Empty(t, r.bank.callLog())
	assert.Empty(t, r.cons.written(), "unknown input never produces an error message")
}

func TestApplyDesiredStatesSingleDifference(t *testing.T) {
	r := newRig(t)

	r.c.applyDesiredStates("000000001")

	assert.Equal(t, []bankCall{{op: "set", index: 9, on: true}}, r.bank.callLog())
}

func TestApplyDesiredStatesNoDifferencesNoCalls(t *testing.T) {
	r := newRig(t)
	r.bank.states[4] = true

	r.c.applyDesiredStates("000010000")

	assert.Empty(t, r.bank.callLog())
}

func TestApplyDesiredStatesRejectsWrongLength(t *testing.T) {
	r := newRig(t)

	r.c.applyDesiredStates("00000000")   // 8
	r.c.applyDesiredStates("0000000000") // 10

	assert.Empty(t, r.bank.callLog())
	assert.Equal(t, [relay.Count]bool{}, r.bank.States())
}

func TestApplyDesiredStatesRejectsInvalidCharactersWholly(t *testing.T) {
	r := newRig(t)

	// The first position differs and would flip relay 1, but the
	// trailing garbage must reject the whole vector.
	r.c.applyDesiredStates("10000000x")

	assert.Empty(t, r.bank.callLog())
}

func TestFirstTickProbesAndReadsSensors(t *testing.T) {
	r := newRig(t)

	r.c.tick(r.now)

	assert.Equal(t, []netsync.JobKind{netsync.JobProbe}, r.sync.jobKinds(), "disconnected boot: probe only, no poll or upload")
	assert.Equal(t, 1, r.acq.readCount())
	require.Len(t, r.cons.written(), 1, "telemetry still emitted while offline")
}

func TestSerialStillDrivesRelaysWhileDisconnected(t *testing.T) {
	r := newRig(t)
	require.False(t, r.c.session.connected)

	r.c.handleLine("R2 ON")

	assert.Equal(t, []bankCall{
		{op: "set", index: 2, on: true},
		{op: "status"},
	}, r.bank.callLog())
}

func TestTickPollsWhenConnected(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.tick(r.now)
	r.c.tick(r.now) // in flight, no duplicate

	kinds := r.sync.jobKinds()
	assert.Equal(t, 1, countKind(kinds, netsync.JobPoll))
}

func TestPollReschedulesAfterInterval(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.tick(r.now)
	r.c.handleResult(netsync.Result{Kind: netsync.JobPoll, StatusCode: 200, States: "000000000"})

	r.advance(20 * time.Millisecond)
	r.c.tick(r.now)
	assert.Equal(t, 1, countKind(r.sync.jobKinds(), netsync.JobPoll), "poll interval not yet elapsed")

	r.advance(30 * time.Millisecond)
	r.c.tick(r.now)
	assert.Equal(t, 2, countKind(r.sync.jobKinds(), netsync.JobPoll))
}

func TestNextWakeSkipsInFlightPollDeadline(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.tick(r.now)
	require.True(t, r.c.pollInFlight)

	// 200ms in, the 50ms poll deadline is long past but the request is
	// still on the wire. The loop must sleep toward the sensor deadline
	// instead of spinning at the clamp floor.
	later := r.now.Add(200 * time.Millisecond)
	assert.Equal(t, 800*time.Millisecond, r.c.nextWake(later))

	r.c.handleResult(netsync.Result{Kind: netsync.JobPoll, StatusCode: 200, States: "000000000"})
	assert.Equal(t, time.Millisecond, r.c.nextWake(later), "an overdue poll wakes immediately once the last one lands")
}

func TestNextWakeSkipsInFlightProbeDeadline(t *testing.T) {
	r := newRig(t)
	r.c.cfg.ReconnectInterval = 100 * time.Millisecond

	r.c.tick(r.now)
	require.True(t, r.c.probeInFlight)

	later := r.now.Add(300 * time.Millisecond)
	assert.Equal(t, 700*time.Millisecond, r.c.nextWake(later))
}

func TestSensorGateOncePerInterval(t *testing.T) {
	r := newRig(t)

	r.c.tick(r.now)
	r.advance(300 * time.Millisecond)
	r.c.tick(r.now)
	assert.Equal(t, 1, r.acq.readCount())

	r.advance(700 * time.Millisecond)
	r.c.tick(r.now)
	assert.Equal(t, 2, r.acq.readCount())
}

func TestTelemetryLineFormat(t *testing.T) {
	r := newRig(t)

	r.c.tick(r.now)

	lines := r.cons.written()
	require.Len(t, lines, 1)
	assert.Equal(t, `{"device":"esp32-wroom32","readings":{"temp":21.50,"humidity":60.00,"tds":342.25}}`, lines[0])
}

func TestUploadOnlyWhenConnected(t *testing.T) {
	r := newRig(t)

	r.c.tick(r.now)
	assert.Equal(t, 0, countKind(r.sync.jobKinds(), netsync.JobUpload))

	r.connect(t)
	r.advance(time.Second)
	r.c.tick(r.now)

	jobs := r.sync.jobLog()
	require.Equal(t, 1, countKind(r.sync.jobKinds(), netsync.JobUpload))
	for _, j := range jobs {
		if j.Kind == netsync.JobUpload {
			assert.Equal(t, r.acq.readings, j.Readings, "upload carries the fresh readings snapshot")
		}
	}
}

func TestUploadIntervalAndInFlightGuard(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.tick(r.now) // sensor read + upload 1
	require.Equal(t, 1, countKind(r.sync.jobKinds(), netsync.JobUpload))

	r.advance(time.Second)
	r.c.tick(r.now) // sensor read, upload interval (2s) not elapsed
	assert.Equal(t, 1, countKind(r.sync.jobKinds(), netsync.JobUpload))

	r.c.handleResult(netsync.Result{Kind: netsync.JobUpload, StatusCode: 200})
	r.advance(time.Second)
	r.c.tick(r.now) // 2s since upload 1
	assert.Equal(t, 2, countKind(r.sync.jobKinds(), netsync.JobUpload))
}

func TestTransportErrorMarksDisconnected(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.handleResult(netsync.Result{Kind: netsync.JobPoll, Err: errors.New("connection refused")})

	assert.False(t, r.c.session.connected)

	// Reconnect probes are allowed immediately because the last
	// attempt was at boot, then gated by the reconnect interval.
	r.c.tick(r.now)
	assert.Equal(t, 1, countKind(r.sync.jobKinds(), netsync.JobProbe))
}

func TestPollHTTPFailureKeepsSessionConnected(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.handleResult(netsync.Result{Kind: netsync.JobPoll, StatusCode: 404})

	assert.True(t, r.c.session.connected, "the aggregator answered, the link is up")
	assert.Empty(t, r.bank.callLog())
}

func TestUploadHTTPFailureIsIgnored(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.c.handleResult(netsync.Result{Kind: netsync.JobUpload, StatusCode: 500})

	assert.True(t, r.c.session.connected)
	assert.False(t, r.c.uploadInFlight)
}

func TestProbeFailureWaitsForReconnectInterval(t *testing.T) {
	r := newRig(t)

	r.c.tick(r.now) // probe 1 at boot
	r.c.handleResult(netsync.Result{Kind: netsync.JobProbe, Err: errors.New("no route to host")})

	r.advance(5 * time.Second)
	r.c.tick(r.now)
	assert.Equal(t, 1, countKind(r.sync.jobKinds(), netsync.JobProbe))

	r.advance(5 * time.Second)
	r.c.tick(r.now)
	assert.Equal(t, 2, countKind(r.sync.jobKinds(), netsync.JobProbe))
}

func TestSnapshotReflectsState(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.bank.states[0] = true

	r.c.tick(r.now)
	r.c.publishSnapshot()

	snap := r.c.Snapshot()
	assert.Equal(t, "esp32-wroom32", snap.Device)
	assert.True(t, snap.Connected)
	assert.True(t, snap.Relays[0])
	assert.Equal(t, r.acq.readings, snap.Readings)
	assert.Equal(t, r.now, snap.LastRead)
}

// Serial input must be handled ahead of queued network results. Both
// channels are primed before the loop starts, so the observable bank
// call order proves the priority.
func TestRunHandlesSerialBeforeNetworkResults(t *testing.T) {
	r := newRig(t)
	r.c.now = time.Now

	r.cons.lines <- "R1 ON"
	r.sync.results <- netsync.Result{Kind: netsync.JobPoll, StatusCode: 200, States: "100000010"}

	ctx, cancel := context.WithCancel(context.Background())
	go r.c.Run(ctx)

	require.Eventually(t, func() bool {
		return len(r.bank.callLog()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	calls := r.bank.callLog()[:3]
	assert.Equal(t, []bankCall{
		{op: "set", index: 1, on: true},
		{op: "status"},
		{op: "set", index: 8, on: true},
	}, calls)

	cancel()
	require.Eventually(t, r.cons.isClosed, 2*time.Second, 5*time.Millisecond)

	last := r.bank.callLog()[len(r.bank.callLog())-1]
	assert.Equal(t, bankCall{op: "set_all", on: false}, last, "shutdown forces the safe state")
}

func countKind(kinds []netsync.JobKind, kind netsync.JobKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}
