// Package console owns the serial line to the operator or aggregator:
// command lines in, status and telemetry lines out.
package console

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/JFreitz/siboltech-node/internal/datadog"
)

const lineBufferSize = 16

// Port is the slice of the serial port the console needs. Tests feed
// an in-memory fake.
type Port interface {
	io.ReadWriteCloser
}

type Console struct {
	port  Port
	lines chan string
	wmu   sync.Mutex
	once  sync.Once
}

// Open opens the serial device at 8N1 and wraps it in a Console.
func Open(device string, baud int) (*Console, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial device %s: %w", device, err)
	}
	log.Info().Str("device", device).Int("baud", baud).Msg("Serial console open")
	return New(port), nil
}

// New wraps an already-open port. Split from Open so tests can inject
// a fake port.
func New(port Port) *Console {
	return &Console{port: port, lines: make(chan string, lineBufferSize)}
}

// Run scans incoming bytes into trimmed lines and forwards non-empty
// ones to Lines. It returns when the port closes or errors; the rest
// of the node keeps running without serial input.
func (c *Console) Run() {
	scanner := bufio.NewScanner(c.port)
	scanner.Split(scanEitherEnding)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			datadog.Incr("console.dropped_lines")
			log.Warn().Str("line", line).Msg("Console input buffer full, dropping line")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Serial console reader stopped")
		return
	}
	log.Info().Msg("Serial console closed")
}

// scanEitherEnding splits on \r or \n individually, so terminals that
// send bare carriage returns still terminate commands.
func scanEitherEnding(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Lines is the channel of received command lines.
func (c *Console) Lines() <-chan string {
	return c.lines
}

// WriteLine writes one line with CRLF framing, matching what the
// aggregator-side serial tooling expects.
func (c *Console) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.port.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("write console line: %w", err)
	}
	return nil
}

// Banner announces the node on the wire, taking the place of the boot
// banner the previous firmware printed.
func (c *Console) Banner() {
	if err := c.WriteLine("=== SIBOLTECH field node ==="); err != nil {
		log.Warn().Err(err).Msg("Failed to write console banner")
	}
}

func (c *Console) Close() error {
	var err error
	c.once.Do(func() { err = c.port.Close() })
	return err
}
