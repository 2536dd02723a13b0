// Package startup writes the node's boot assets: a pinctrl script that
// drives every relay pin to its electrical OFF level before anything
// else runs, plus the systemd units for the script and the node itself.
// A reboot can never leave a pump running.
package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/JFreitz/siboltech-node/internal/config"
	"github.com/JFreitz/siboltech-node/internal/gpio"
	"github.com/JFreitz/siboltech-node/internal/model"
)

// WriteAll renders every boot asset to the configured paths.
func WriteAll(cfg *config.Config) error {
	if err := WriteStartupScript(cfg); err != nil {
		return fmt.Errorf("write boot script: %w", err)
	}
	if err := InstallStartupService(cfg); err != nil {
		return fmt.Errorf("write pin init unit: %w", err)
	}
	if err := InstallNodeService(cfg); err != nil {
		return fmt.Errorf("write node unit: %w", err)
	}
	return nil
}

func WriteStartupScript(cfg *config.Config) error {
	contents := RenderStartupScript(cfg.BankPins())
	return os.WriteFile(cfg.BootScriptFilePath, []byte(contents), 0755)
}

// RenderStartupScript produces the pin-initialization script. Every
// relay is driven to logical OFF.
func RenderStartupScript(pins []model.RelayPin) string {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Relay pin configuration at boot", "")

	for _, pin := range pins {
		lines = append(lines, fmt.Sprintf("# %s", pin.Label))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", pin.Number, gpio.DriveFor(pin, false)))
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n") + "\n"
}

// InstallStartupService writes the oneshot unit that runs the pin
// script at boot.
func InstallStartupService(cfg *config.Config) error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Drive relay pins to their safe level at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, cfg.BootScriptFilePath)

	return os.WriteFile(cfg.OSServicePath, []byte(unitContents), 0644)
}

// InstallNodeService writes the unit for the node daemon, ordered after
// the pin script so the board is safe before the controller attaches.
func InstallNodeService(cfg *config.Config) error {
	pinUnitName := filepath.Base(cfg.OSServicePath)

	unit := fmt.Sprintf(`[Unit]
Description=SIBOLTECH field node
After=%s
Requires=%s

[Service]
Type=simple
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=/usr/local/bin/siboltech-node
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, pinUnitName, pinUnitName)

	return os.WriteFile(cfg.MainServicePath, []byte(unit), 0644)
}

// RunStartupScript executes the boot script in place, for commissioning
// a node without a reboot.
func RunStartupScript(cfg *config.Config) error {
	cmd := exec.Command("/bin/bash", cfg.BootScriptFilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
