package bluez

import (
	"context"
	"errors"
	"testing"
)

func TestParseDeviceList(t *testing.T) {
	out := []byte("Device AA:BB:CC:DD:EE:FF Pixel 7 Pro\n" +
		"[bluetooth]# \n" +
		"Device 11:22:33:44:55:66\n" +
		"Device 66:55:44:33:22:11 Car Kit\n")
	devices := parseDeviceList(out)
	if len(devices) != 2 {
		t.Fatalf("devices = %+v", devices)
	}
	if devices[0].Address != "AA:BB:CC:DD:EE:FF" || devices[0].Name != "Pixel 7 Pro" || !devices[0].Connected {
		t.Fatalf("first = %+v", devices[0])
	}
	if devices[1].Name != "Car Kit" {
		t.Fatalf("second = %+v", devices[1])
	}
	if got := parseDeviceList(nil); len(got) != 0 {
		t.Fatalf("empty output = %+v", got)
	}
}

func TestBluetoothctlConnectedDevices(t *testing.T) {
	var args []string
	b := NewBluetoothctl("", func(_ context.Context, name string, a ...string) ([]byte, error) {
		args = append([]string{name}, a...)
		return []byte("Device AA:BB Pixel\n"), nil
	})
	devices, err := b.ConnectedDevices(context.Background())
	if err != nil || len(devices) != 1 {
		t.Fatalf("devices=%v err=%v", devices, err)
	}
	if len(args) != 3 || args[0] != "bluetoothctl" || args[1] != "devices" || args[2] != "Connected" {
		t.Fatalf("args = %v", args)
	}

	b = NewBluetoothctl("", func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("bluetoothctl not installed")
	})
	if _, err := b.ConnectedDevices(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
