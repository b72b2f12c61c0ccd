package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/carpi/headunit/internal/media"
)

// MediaPlayers drives the phone's AVRCP player through org.bluez.MediaPlayer1.
// It works even when playerctl cannot see the player.
type MediaPlayers struct {
	bus *Bus
}

// NewMediaPlayers returns a media.Player backed by bus.
func NewMediaPlayers(bus *Bus) *MediaPlayers {
	return &MediaPlayers{bus: bus}
}

// FindPlayer returns the first MediaPlayer1 object on the bus.
func (p *MediaPlayers) FindPlayer(ctx context.Context) (string, error) {
	objs, err := p.bus.managedObjects(ctx)
	if err != nil {
		return "", err
	}
	paths := objs.sortedPaths(mediaPlayIface)
	if len(paths) == 0 {
		return "", media.ErrNoPlayer
	}
	return string(paths[0]), nil
}

// Command calls a MediaPlayer1 method such as "Play" or "Next".
func (p *MediaPlayers) Command(ctx context.Context, path, method string) error {
	obj := p.bus.conn.Object(busName, dbus.ObjectPath(path))
	err := obj.CallWithContext(ctx, mediaPlayIface+"."+method, 0).Err
	if err == nil {
		return nil
	}
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.UnknownMethod", "org.bluez.Error.NotSupported":
		return fmt.Errorf("%w: %v", media.ErrUnsupported, err)
	case "org.bluez.Error.NotConnected":
		return fmt.Errorf("%w: %v", media.ErrNotConnected, err)
	}
	return fmt.Errorf("D-Bus error: %w", err)
}

// Track reads the player Status and Track metadata.
func (p *MediaPlayers) Track(ctx context.Context, path string) (media.Track, error) {
	var t media.Track
	status, err := p.bus.getString(ctx, dbus.ObjectPath(path), mediaPlayIface, "Status")
	if err != nil {
		status = "Unknown"
	}
	t.Status = status

	v, err := p.bus.getProp(ctx, dbus.ObjectPath(path), mediaPlayIface, "Track")
	if err != nil {
		return t, nil
	}
	if track, ok := v.Value().(map[string]dbus.Variant); ok {
		t.Title, _ = variantString(track, "Title")
		t.Artist, _ = variantString(track, "Artist")
		t.Album, _ = variantString(track, "Album")
	}
	return t, nil
}
