package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFreitz/siboltech-node/internal/config"
	"github.com/JFreitz/siboltech-node/internal/model"
)

func TestRenderStartupScriptDrivesActiveLowPinsHigh(t *testing.T) {
	pins := []model.RelayPin{
		{Number: 12, ActiveHigh: false, Label: "aerator"},
		{Number: 23, ActiveHigh: false, Label: "relay-9"},
	}

	script := RenderStartupScript(pins)

	lines := strings.Split(script, "\n")
	assert.Equal(t, "#!/bin/bash", lines[0])
	assert.Contains(t, script, "# aerator\npinctrl set 12 op pn dh")
	assert.Contains(t, script, "# relay-9\npinctrl set 23 op pn dh")
	assert.True(t, strings.HasSuffix(script, "\n"))
}

func TestRenderStartupScriptDrivesActiveHighPinsLow(t *testing.T) {
	pins := []model.RelayPin{{Number: 5, ActiveHigh: true, Label: "relay-1"}}

	script := RenderStartupScript(pins)

	assert.Contains(t, script, "pinctrl set 5 op pn dl")
	assert.NotContains(t, script, "pinctrl set 5 op pn dh")
}

func TestWriteAll(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.BootScriptFilePath = filepath.Join(dir, "siboltech-gpio-init.sh")
	cfg.OSServicePath = filepath.Join(dir, "siboltech-gpio-init.service")
	cfg.MainServicePath = filepath.Join(dir, "siboltech-node.service")

	require.NoError(t, WriteAll(&cfg))

	info, err := os.Stat(cfg.BootScriptFilePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm(), "boot script must be executable")

	script, err := os.ReadFile(cfg.BootScriptFilePath)
	require.NoError(t, err)
	for _, pin := range cfg.RelayPins {
		assert.Contains(t, string(script), fmt.Sprintf("pinctrl set %d op pn dh", pin))
	}

	pinUnit, err := os.ReadFile(cfg.OSServicePath)
	require.NoError(t, err)
	assert.Contains(t, string(pinUnit), "Type=oneshot")
	assert.Contains(t, string(pinUnit), "ExecStart="+cfg.BootScriptFilePath)

	nodeUnit, err := os.ReadFile(cfg.MainServicePath)
	require.NoError(t, err)
	assert.Contains(t, string(nodeUnit), "After=siboltech-gpio-init.service")
	assert.Contains(t, string(nodeUnit), "Requires=siboltech-gpio-init.service")
	assert.Contains(t, string(nodeUnit), "Restart=on-failure")
}

func TestRunStartupScriptExecutesConfiguredScript(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	script := fmt.Sprintf("#!/bin/bash\ntouch %s\n", marker)

	cfg := config.Defaults()
	cfg.BootScriptFilePath = filepath.Join(dir, "gpio-init.sh")
	require.NoError(t, os.WriteFile(cfg.BootScriptFilePath, []byte(script), 0755))

	require.NoError(t, RunStartupScript(&cfg))

	_, err := os.Stat(marker)
	assert.NoError(t, err, "the script must actually run")
}

func TestRunStartupScriptFailsWhenScriptMissing(t *testing.T) {
	cfg := config.Defaults()
	cfg.BootScriptFilePath = filepath.Join(t.TempDir(), "not-written.sh")

	assert.Error(t, RunStartupScript(&cfg))
}
