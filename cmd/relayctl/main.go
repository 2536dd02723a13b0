package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/JFreitz/siboltech-node/internal/config"
	"github.com/JFreitz/siboltech-node/internal/gpio"
	"github.com/JFreitz/siboltech-node/internal/pinctrl"
)

// responseWindow is how long a one-shot command waits for the node to
// finish answering. Status snapshots arrive well inside this.
const responseWindow = 750 * time.Millisecond

func main() {
	var port, cmd, configPath string
	var baud, pinNumber int
	var watch, pins bool

	flag.StringVar(&port, "port", "", "Serial port of the node (auto-discovers a USB serial port when empty)")
	flag.IntVar(&baud, "baud", 115200, "Serial baud rate")
	flag.StringVar(&cmd, "cmd", "", "One-shot command to send (R1 ON, ALL OFF, STATUS, HELP)")
	flag.BoolVar(&watch, "watch", false, "Stream node output until interrupted")
	flag.BoolVar(&pins, "pins", false, "Print the configured relay pins' pinctrl state and exit")
	flag.IntVar(&pinNumber, "pin", -1, "Print one GPIO pin's pinctrl state and exit")
	flag.StringVar(&configPath, "config", "", "Node config file for -pins (built-in defaults when empty)")
	flag.Parse()

	if pinNumber >= 0 {
		if err := printPin(pinNumber); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if pins {
		if err := printPins(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if port == "" {
		discovered, err := discoverPort()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		port = discovered
		fmt.Printf("Using serial port %s\n", port)
	}

	conn, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening %s: %v\n", port, err)
		os.Exit(1)
	}
	defer conn.Close()

	switch {
	case cmd != "":
		err = oneShot(conn, cmd)
	case watch:
		err = watchLines(conn)
	default:
		err = interactive(conn)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// discoverPort picks the first USB serial adapter on the machine.
func discoverPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no USB serial port found, pass -port explicitly")
}

func oneShot(conn serial.Port, cmd string) error {
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	deadline := time.After(responseWindow)
	lines := readLines(conn)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fmt.Println(line)
		case <-deadline:
			return nil
		}
	}
}

func watchLines(conn serial.Port) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	lines := readLines(conn)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fmt.Println(line)
		case <-sig:
			return nil
		}
	}
}

// interactive reads commands from stdin and prints everything the node
// sends back, interleaved.
func interactive(conn serial.Port) error {
	fmt.Println("Connected. Type HELP for the command list, Ctrl-D to exit.")

	go func() {
		for line := range readLines(conn) {
			fmt.Println(line)
		}
	}()

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			fmt.Println()
			return nil
		}
		cmd := strings.TrimSpace(stdin.Text())
		if cmd == "" {
			continue
		}
		if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
			return fmt.Errorf("send command: %w", err)
		}
		// Give the node a beat to answer before the next prompt.
		time.Sleep(150 * time.Millisecond)
	}
}

func readLines(conn serial.Port) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			out <- line
		}
	}()
	return out
}

// printPins dumps the pinctrl state of every configured relay pin on
// the node itself, for checking the board without going through the
// serial console.
func printPins(configPath string) error {
	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Read(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	states, err := pinctrl.ReadAllPins()
	if err != nil {
		return fmt.Errorf("read pin states: %w", err)
	}

	for i, pin := range cfg.BankPins() {
		st, ok := states[pin.Number]
		if !ok {
			fmt.Printf("relay %d  gpio %-3d %-14s no pinctrl data\n", i+1, pin.Number, pin.Label)
			continue
		}
		logical := "OFF"
		if gpio.LogicalState(pin, st.Level == "hi") {
			logical = "ON"
		}
		fmt.Printf("relay %d  gpio %-3d %-14s %s %s %s  logical %s\n",
			i+1, pin.Number, pin.Label, st.Mode, st.Drive, st.Level, logical)
	}
	return nil
}

// printPin dumps any single GPIO pin, relay or not, for bench work on
// the node itself.
func printPin(number int) error {
	st, err := pinctrl.ReadPin(number)
	if err != nil {
		return err
	}
	fmt.Printf("gpio %-3d %s %s %s %s  // %s\n", st.Pin, st.Mode, st.Pull, st.Drive, st.Level, st.Comment)
	return nil
}
