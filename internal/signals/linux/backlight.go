package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/ams-agent/internal/signals"
)

// DefaultBacklightRoot is the sysfs backlight class directory.
const DefaultBacklightRoot = "/sys/class/backlight"

// ErrNoBacklight is returned when no backlight device exists.
var ErrNoBacklight = errors.New("linux: no backlight device")

// Backlight reads and writes a sysfs backlight device in percent.
type Backlight struct {
	dir string
	max int
}

// OpenBacklight opens device under root. An empty device selects the first
// entry in name order.
func OpenBacklight(root, device string) (*Backlight, error) {
	if root == "" {
		root = DefaultBacklightRoot
	}
	if device == "" {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", root, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w in %s", ErrNoBacklight, root)
		}
		sort.Strings(names)
		device = names[0]
	}

	dir := filepath.Join(root, device)
	maxRaw, err := readInt(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return nil, err
	}
	if maxRaw <= 0 {
		return nil, fmt.Errorf("backlight %s: max_brightness is %d", device, maxRaw)
	}
	return &Backlight{dir: dir, max: maxRaw}, nil
}

// Brightness returns the current level normalised to 0..100, rounded to the
// nearest percent.
func (b *Backlight) Brightness(context.Context) (int, error) {
	raw, err := readInt(filepath.Join(b.dir, "brightness"))
	if err != nil {
		return 0, err
	}
	return signals.ClampPercent((raw*100 + b.max/2) / b.max), nil
}

// SetBrightness writes pct scaled to the device range. Both directions round
// so a written percentage reads back unchanged on devices with max >= 100.
func (b *Backlight) SetBrightness(_ context.Context, pct int) error {
	if err := signals.ValidatePercent(pct); err != nil {
		return err
	}
	raw := (pct*b.max + 50) / 100
	path := filepath.Join(b.dir, "brightness")
	if err := os.WriteFile(path, []byte(strconv.Itoa(raw)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Max returns the raw maximum level.
func (b *Backlight) Max() int {
	return b.max
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}
