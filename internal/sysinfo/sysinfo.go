// Package sysinfo collects host information exposed through the
// Device Information and Generic Access services.
package sysinfo

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
)

// Version is the server version, set at build time via ldflags.
// Example: go build -ldflags="-X github.com/nymea/libnymea-bluetoothserver/internal/sysinfo.Version=1.0.0"
var Version = "dev"

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion adds git commit info to dev version using Go's build info.
func enhanceDevVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	var revision string
	var dirty bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}

	if revision == "" {
		return "dev"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		return "dev-" + revision + "-dirty"
	}
	return "dev-" + revision
}

// Hostname returns the host name, falling back to a fixed string when
// it cannot be determined.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "nymea"
	}
	return name
}

// SerialNumber derives the device serial number from the machine id
// file (32 lowercase hex characters), reformatted as a hyphenated UUID.
func SerialNumber(machineIDPath string) (string, error) {
	data, err := os.ReadFile(machineIDPath)
	if err != nil {
		return "", fmt.Errorf("read machine id: %w", err)
	}
	return FormatMachineID(string(data))
}

// FormatMachineID turns a raw machine-id string into the hyphenated
// UUID form used as the serial number.
func FormatMachineID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if len(id) != 32 {
		return "", fmt.Errorf("machine id has length %d, want 32", len(id))
	}

	hyphenated := strings.Join([]string{
		id[0:8], id[8:12], id[12:16], id[16:20], id[20:32],
	}, "-")

	parsed, err := uuid.Parse(hyphenated)
	if err != nil {
		return "", fmt.Errorf("machine id is not hexadecimal: %w", err)
	}
	return parsed.String(), nil
}
