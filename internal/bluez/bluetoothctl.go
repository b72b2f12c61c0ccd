package bluez

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/carpi/headunit/internal/phone"
)

// Bluetoothctl lists connected devices with `bluetoothctl devices Connected`.
type Bluetoothctl struct {
	bin string
	run Runner
}

// NewBluetoothctl returns a phone.DeviceLister. A nil run uses ExecRunner.
func NewBluetoothctl(bin string, run Runner) *Bluetoothctl {
	if bin == "" {
		bin = "bluetoothctl"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Bluetoothctl{bin: bin, run: run}
}

// ConnectedDevices implements phone.DeviceLister.
func (b *Bluetoothctl) ConnectedDevices(ctx context.Context) ([]phone.Device, error) {
	out, err := b.run(ctx, b.bin, "devices", "Connected")
	if err != nil {
		return nil, err
	}
	return parseDeviceList(out), nil
}

// parseDeviceList reads lines of the form "Device AA:BB:CC:DD:EE:FF Name".
func parseDeviceList(out []byte) []phone.Device {
	var devices []phone.Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Device ") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			continue
		}
		devices = append(devices, phone.Device{
			Address:   parts[1],
			Name:      strings.TrimSpace(parts[2]),
			Connected: true,
		})
	}
	return devices
}
