package audio

import (
	"context"
	"time"
)

// DiagnoseReport summarises a short test capture for --diagnose-audio.
type DiagnoseReport struct {
	// Devices is the capture device list at the time of the test.
	Devices []Device

	// Device is the name of the device the test captured from, or empty
	// when nothing could be bound within the test window.
	Device string

	// Frames is the number of pipeline frames produced during the test.
	Frames int

	// AvgDBFS and PeakDBFS summarise the observed frame levels.
	AvgDBFS  float64
	PeakDBFS float64
}

// Diagnose opens the configured capture device for roughly the given
// duration (default 3s) and reports what arrived. The device list is
// reported even when binding fails; bind failures show up as zero frames.
// Cancelling ctx ends the test early with whatever was collected.
func Diagnose(ctx context.Context, cfg Config, d time.Duration) (*DiagnoseReport, error) {
	if d <= 0 {
		d = 3 * time.Second
	}

	devices, err := Devices()
	if err != nil {
		return nil, err
	}
	report := &DiagnoseReport{Devices: devices}

	src := New(cfg)
	if err := src.Start(); err != nil {
		return nil, err
	}
	defer src.Stop()

	level := NewLevelMonitor()
	deadline := time.NewTimer(d)
	defer deadline.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case frame := <-src.Frames():
			level.Observe(frame)
		}
	}

	report.Device = src.boundName()
	report.Frames = level.Frames()
	report.AvgDBFS = level.Average()
	report.PeakDBFS = level.Peak()
	return report, nil
}
