// Package media controls playback on the connected phone, preferring the
// BlueZ AVRCP player and falling back to playerctl.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoPlayer       = errors.New("no bluetooth media player found (is your phone connected and paired?)")
	ErrUnsupported    = errors.New("command not supported by this player")
	ErrNotConnected   = errors.New("bluetooth device not connected")
	ErrUnknownCommand = errors.New("unknown media command")
)

// Track is the current playback state of a player.
type Track struct {
	Status string
	Title  string
	Artist string
	Album  string
}

// Player is a native media player on the bus.
type Player interface {
	FindPlayer(ctx context.Context) (path string, err error)
	Command(ctx context.Context, path, method string) error
	Track(ctx context.Context, path string) (Track, error)
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Report is the JSON shape of GET /api/media/status.
type Report struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	Artist    string `json:"artist"`
	Title     string `json:"title"`
	Album     string `json:"album"`
	IsPlaying bool   `json:"is_playing"`
	Source    string `json:"source,omitempty"`
}

type command struct {
	method    string // MediaPlayer1 method, empty for toggle
	playerctl string
}

var commands = map[string]command{
	"play":     {"Play", "play"},
	"pause":    {"Pause", "pause"},
	"toggle":   {"", "play-pause"},
	"next":     {"Next", "next"},
	"previous": {"Previous", "previous"},
	"stop":     {"Stop", "stop"},
}

// Commands lists the accepted command names.
func Commands() []string {
	return []string{"play", "pause", "toggle", "next", "previous", "stop"}
}

// Controller runs media commands.
type Controller struct {
	player    Player
	playerctl string
	run       Runner
	timeout   time.Duration
	log       zerolog.Logger
}

// NewController returns a controller. player may be nil when the system bus
// is unavailable; run may be nil to disable the playerctl fallback.
func NewController(player Player, playerctl string, run Runner, timeout time.Duration, log zerolog.Logger) *Controller {
	if playerctl == "" {
		playerctl = "playerctl"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Controller{player: player, playerctl: playerctl, run: run, timeout: timeout, log: log}
}

// Command runs name ("play", "pause", "toggle", "next", "previous", "stop").
func (c *Controller) Command(ctx context.Context, name string) (string, error) {
	cmd, ok := commands[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.player != nil {
		out, err := c.native(ctx, cmd)
		if err == nil {
			return out, nil
		}
		c.log.Debug().Err(err).Str("command", name).Msg("bluez media command failed")
		if c.run == nil {
			return "", err
		}
	}
	if c.run == nil {
		return "", ErrNoPlayer
	}
	out, err := c.run(ctx, c.playerctl, cmd.playerctl)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Controller) native(ctx context.Context, cmd command) (string, error) {
	path, err := c.player.FindPlayer(ctx)
	if err != nil {
		return "", err
	}
	method := cmd.method
	if method == "" {
		t, err := c.player.Track(ctx, path)
		if err != nil {
			return "", err
		}
		method = "Play"
		if strings.EqualFold(t.Status, "playing") {
			method = "Pause"
		}
	}
	if err := c.player.Command(ctx, path, method); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return "", fmt.Errorf("command '%s' not supported by this player: %w", method, err)
		}
		return "", err
	}
	return method + " OK", nil
}

// Status reports what is playing.
func (c *Controller) Status(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.player != nil {
		if path, err := c.player.FindPlayer(ctx); err == nil {
			if t, err := c.player.Track(ctx, path); err == nil {
				return Report{
					OK:        true,
					Status:    t.Status,
					Artist:    t.Artist,
					Title:     t.Title,
					Album:     t.Album,
					IsPlaying: strings.EqualFold(t.Status, "playing"),
					Source:    "bluez",
				}
			}
		}
	}
	if c.run == nil {
		return Report{Status: "No player"}
	}

	status, statusErr := c.playerctlOutput(ctx, "status")
	if statusErr != nil {
		return Report{Status: "No player"}
	}
	lower := strings.ToLower(status)
	r := Report{
		OK:        lower != "no players found" && lower != "no player could handle this command",
		Status:    status,
		IsPlaying: lower == "playing",
		Source:    "playerctl",
	}
	r.Artist, _ = c.playerctlOutput(ctx, "metadata", "artist")
	r.Title, _ = c.playerctlOutput(ctx, "metadata", "title")
	r.Album, _ = c.playerctlOutput(ctx, "metadata", "album")
	return r
}

func (c *Controller) playerctlOutput(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, c.playerctl, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
