package bluez

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/carpi/headunit/internal/phone"
)

// D-Bus error names that mean retrying through another path cannot help.
var (
	unsupportedErrors = map[string]bool{
		"org.freedesktop.DBus.Error.UnknownMethod":    true,
		"org.freedesktop.DBus.Error.UnknownInterface": true,
		"org.bluez.Error.NotSupported":                true,
	}
	goneErrors = map[string]bool{
		"org.freedesktop.DBus.Error.UnknownObject": true,
		"org.bluez.Error.DoesNotExist":             true,
	}
)

func dbusErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

// classify wraps err with phone.ErrMethodUnsupported or phone.ErrCallGone
// when the D-Bus error name says so.
func classify(err error) error {
	if err == nil {
		return nil
	}
	name := dbusErrorName(err)
	switch {
	case unsupportedErrors[name]:
		return fmt.Errorf("%w: %v", phone.ErrMethodUnsupported, err)
	case goneErrors[name]:
		return fmt.Errorf("%w: %v", phone.ErrCallGone, err)
	}
	return err
}

// CallObjects invokes Call1 methods directly over the bus.
type CallObjects struct {
	bus *Bus
}

// NewCallObjects returns a phone.CallControl backed by bus.
func NewCallObjects(bus *Bus) *CallObjects {
	return &CallObjects{bus: bus}
}

// Call implements phone.CallControl.
func (c *CallObjects) Call(ctx context.Context, path, method string) error {
	obj := c.bus.conn.Object(busName, dbus.ObjectPath(path))
	return classify(obj.CallWithContext(ctx, callIface+"."+method, 0).Err)
}

// DBusSend invokes Call1 methods through the dbus-send tool.
type DBusSend struct {
	bin string
	run Runner
}

// NewDBusSend returns a phone.CallControl that shells out to bin (normally
// "dbus-send"). A nil run uses ExecRunner.
func NewDBusSend(bin string, run Runner) *DBusSend {
	if bin == "" {
		bin = "dbus-send"
	}
	if run == nil {
		run = ExecRunner
	}
	return &DBusSend{bin: bin, run: run}
}

func dbusSendArgs(path, method string) []string {
	return []string{
		"--system", "--print-reply",
		"--dest=" + busName,
		path,
		callIface + "." + method,
	}
}

// Call implements phone.CallControl.
func (d *DBusSend) Call(ctx context.Context, path, method string) error {
	if !dbus.ObjectPath(path).IsValid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	_, err := d.run(ctx, d.bin, dbusSendArgs(path, method)...)
	return err
}
