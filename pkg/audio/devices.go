package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
)

// systemDefaultName labels the sentinel candidate that lets the platform
// backend pick a device on its own.
const systemDefaultName = "system default"

// Device describes one capture device known to the platform backend.
type Device struct {
	// Index is the device's position in enumeration order. It is stable
	// only until the device set changes.
	Index int

	// Name is the human-readable device name.
	Name string

	// Default reports whether the platform marks this as the default
	// capture device.
	Default bool

	// SampleRate is the device's preferred native sample rate in Hz, or 0
	// when the backend does not report one.
	SampleRate int

	// id is the opaque identifier used to open the device. The zero value
	// means the platform picks, i.e. the system default device.
	id malgo.DeviceID
}

// String renders the device for --list-devices and log output,
// e.g. "[1] Loopback (default, 48000 Hz)".
func (d Device) String() string {
	var notes []string
	if d.Default {
		notes = append(notes, "default")
	}
	if d.SampleRate > 0 {
		notes = append(notes, fmt.Sprintf("%d Hz", d.SampleRate))
	}
	if len(notes) == 0 {
		return fmt.Sprintf("[%d] %s", d.Index, d.Name)
	}
	return fmt.Sprintf("[%d] %s (%s)", d.Index, d.Name, strings.Join(notes, ", "))
}

// Devices enumerates the capture devices visible to the platform backend.
// It opens a short-lived audio context; a running [Source] keeps its own.
func Devices() ([]Device, error) {
	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init capture context: %w", err)
	}
	defer func() {
		_ = mCtx.Uninit()
		mCtx.Free()
	}()
	return listDevices(mCtx)
}

func listDevices(mCtx *malgo.AllocatedContext) ([]Device, error) {
	infos, err := mCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate capture devices: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		d := Device{
			Index:   i,
			Name:    info.Name(),
			Default: info.IsDefault != 0,
			id:      info.ID,
		}
		if info.FormatCount > 0 {
			d.SampleRate = int(info.Formats[0].SampleRate)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// ResolveDevice picks the preferred capture device from devices. An explicit
// index wins; otherwise the first device whose name contains name wins,
// compared case-insensitively; otherwise the platform default. When no
// device carries the default flag, the first device stands in for it.
func ResolveDevice(devices []Device, index int, name string) (Device, error) {
	if index >= 0 {
		if index >= len(devices) {
			return Device{}, fmt.Errorf("audio: device index %d out of range, %d capture devices present", index, len(devices))
		}
		return devices[index], nil
	}
	if name != "" {
		needle := strings.ToLower(name)
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		return Device{}, fmt.Errorf("audio: no capture device name contains %q", name)
	}
	for _, d := range devices {
		if d.Default {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return Device{}, errors.New("audio: no capture devices present")
}

// bindCandidates orders the devices a bind attempt should try: the configured
// preference, the previously bound device, the platform default, then the
// rest in enumeration order. When enumeration came back empty a zero-id
// sentinel is returned so the platform can still pick on its own.
func bindCandidates(devices []Device, index int, name, current string) []Device {
	out := make([]Device, 0, len(devices)+1)
	seen := make(map[int]bool, len(devices))
	add := func(d Device) {
		if seen[d.Index] {
			return
		}
		seen[d.Index] = true
		out = append(out, d)
	}

	if pref, err := ResolveDevice(devices, index, name); err == nil {
		add(pref)
	}
	if current != "" {
		for _, d := range devices {
			if d.Name == current {
				add(d)
				break
			}
		}
	}
	for _, d := range devices {
		if d.Default {
			add(d)
			break
		}
	}
	for _, d := range devices {
		add(d)
	}

	if len(out) == 0 {
		out = append(out, Device{Index: -1, Name: systemDefaultName})
	}
	return out
}
