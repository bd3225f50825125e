package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/config"
)

// NewDevice builds the input device selected by cfg.Device. busClient is
// only consulted for the bus device.
func NewDevice(cfg config.CaptureConfig, busClient *bus.Client) (Device, error) {
	switch cfg.Device {
	case "exec":
		return NewExecDevice(ExpandCommand(cfg), cfg.ChunkBytes)
	case "file":
		return NewFileDevice(cfg.File, cfg.ChunkBytes), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("%w: bus device needs a bus connection", ErrDeviceUnavailable)
		}
		return NewBusDevice(busClient, cfg.Subject), nil
	}
	return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
}

// ExpandCommand fills the {sample_rate} and {channels} placeholders of the
// exec capture command.
func ExpandCommand(cfg config.CaptureConfig) string {
	return strings.NewReplacer(
		"{sample_rate}", strconv.Itoa(cfg.SampleRate),
		"{channels}", strconv.Itoa(cfg.Channels),
	).Replace(cfg.Command)
}
