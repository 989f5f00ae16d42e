package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellscan.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
# required keys only
AT_PORT=/dev/ttyUSB2
NMEA_PORT=/dev/ttyUSB1
COLLECTOR_URL=https://collector.example.com/api/upload
DEVICE_ID=unit-test-1
`

// TestLoadDefaults checks that an unset key keeps its default.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ATPort != "/dev/ttyUSB2" {
		t.Errorf("ATPort: got %q", cfg.ATPort)
	}
	if cfg.ScanInterval != 60 {
		t.Errorf("ScanInterval default: want 60, got %d", cfg.ScanInterval)
	}
	if cfg.DataAPN != "hologram" {
		t.Errorf("DataAPN default: want hologram, got %q", cfg.DataAPN)
	}
	if cfg.LEDPin != "GPIO18" || cfg.ButtonPin != "GPIO4" {
		t.Errorf("pin defaults: got %q %q", cfg.LEDPin, cfg.ButtonPin)
	}
	if cfg.WebPort != 0 {
		t.Errorf("WebPort should default to disabled, got %d", cfg.WebPort)
	}
}

// TestLoadOverrides checks KEY=VALUE parsing with comments and blanks.
func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
SCAN_INTERVAL=120
UPLOAD_INTERVAL=1800
UPLOAD_MAX_BACKOFF=7200
PANEL_ENABLED=true
WEB_PORT=8080
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ScanInterval != 120 {
		t.Errorf("ScanInterval: want 120, got %d", cfg.ScanInterval)
	}
	if !cfg.PanelEnabled {
		t.Error("PanelEnabled: want true")
	}
	if cfg.WebPort != 8080 {
		t.Errorf("WebPort: want 8080, got %d", cfg.WebPort)
	}
}

// TestLoadRejectsBadInput tables the validation failures.
func TestLoadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing AT_PORT", "NMEA_PORT=/dev/ttyUSB1\nCOLLECTOR_URL=x\nDEVICE_ID=d\n", "AT_PORT"},
		{"missing DEVICE_ID", "AT_PORT=/dev/ttyUSB2\nNMEA_PORT=/dev/ttyUSB1\nCOLLECTOR_URL=x\n", "DEVICE_ID"},
		{"unknown key", minimalConfig + "NO_SUCH_KEY=1\n", "unknown config key"},
		{"bad interval", minimalConfig + "SCAN_INTERVAL=fast\n", "SCAN_INTERVAL"},
		{"zero interval", minimalConfig + "SCAN_INTERVAL=0\n", ">= 1 second"},
		{"malformed line", minimalConfig + "just some words\n", "invalid config line"},
		{"backoff below interval", minimalConfig + "UPLOAD_INTERVAL=900\nUPLOAD_MAX_BACKOFF=300\n", "UPLOAD_MAX_BACKOFF"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("want error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}
