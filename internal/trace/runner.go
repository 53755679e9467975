package trace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hellodev/internal/machine"
)

// StepResult records the outcome of one step iteration.
type StepResult struct {
	Name   string
	Got    uint64
	Want   *uint64
	Passed bool
	Err    error
}

// Report is the outcome of a script run.
type Report struct {
	Script string
	Steps  []StepResult
}

// Failed returns the number of failing steps.
func (r Report) Failed() int {
	n := 0
	for _, st := range r.Steps {
		if !st.Passed {
			n++
		}
	}
	return n
}

// Runner executes scripts on a machine using one vCPU.
type Runner struct {
	m   *machine.Machine
	cpu *machine.VCPU
	log *slog.Logger
}

// NewRunner returns a Runner for m. A nil logger uses slog.Default.
func NewRunner(m *machine.Machine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{m: m, cpu: m.VCPU(0), log: logger}
}

// Run executes every step. Access errors and unmet expectations are
// recorded in the report; the returned error is only set when the run was
// cut short by ctx or the script timeout.
func (r *Runner) Run(ctx context.Context, s *Script) (Report, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout.Duration())
		defer cancel()
	}

	report := Report{Script: s.Name}
	for _, st := range s.Steps {
		for i := 0; i < st.Repeat; i++ {
			if err := ctx.Err(); err != nil {
				return report, fmt.Errorf("trace %q: %w", s.Name, err)
			}
			if st.Delay > 0 {
				if err := sleep(ctx, st.Delay.Duration()); err != nil {
					return report, fmt.Errorf("trace %q: %w", s.Name, err)
				}
			}
			res := r.step(st)
			if !res.Passed {
				r.log.Warn("trace: step failed", "script", s.Name, "step", st.Name, "got", fmt.Sprintf("%#x", res.Got), "error", res.Err)
			} else {
				r.log.Debug("trace: step passed", "script", s.Name, "step", st.Name, "got", fmt.Sprintf("%#x", res.Got))
			}
			report.Steps = append(report.Steps, res)
		}
	}
	return report, nil
}

func (r *Runner) step(st Step) StepResult {
	res := StepResult{Name: st.Name}
	if st.Expect != nil {
		want := uint64(*st.Expect)
		res.Want = &want
	}

	got, err := r.execute(st)
	if err != nil {
		res.Err = err
		return res
	}
	res.Got = got
	if res.Want != nil && got != *res.Want {
		res.Err = fmt.Errorf("got %#x, want %#x", got, *res.Want)
		return res
	}
	res.Passed = true
	return res
}

func (r *Runner) execute(st Step) (uint64, error) {
	if st.Op == OpReset {
		return 0, r.m.Reset()
	}

	switch st.Space {
	case SpaceMem:
		return r.memory(st)
	case SpaceIRQ:
		dev, err := r.device(st.Device)
		if err != nil {
			return 0, err
		}
		if !dev.HasIRQ {
			return 0, fmt.Errorf("device %q has no interrupt", st.Device)
		}
		if r.m.Interrupts().Level(dev.IRQLine) {
			return 1, nil
		}
		return 0, nil
	}

	addr, err := r.address(st)
	if err != nil {
		return 0, err
	}
	if st.Space == SpaceIO {
		port := uint16(addr)
		if st.Op == OpWrite {
			return 0, r.cpu.Out(port, st.Width, uint64(st.Value))
		}
		return r.cpu.In(port, st.Width)
	}
	if st.Op == OpWrite {
		return 0, r.cpu.WriteMMIO(addr, st.Width, uint64(st.Value))
	}
	return r.cpu.ReadMMIO(addr, st.Width)
}

func (r *Runner) address(st Step) (uint64, error) {
	if st.Addr != nil {
		return uint64(*st.Addr), nil
	}
	dev, err := r.device(st.Device)
	if err != nil {
		return 0, err
	}
	if st.Space == SpaceConfig {
		return r.m.Host().ConfigAddress(dev.Slot, 0, uint16(st.Offset)), nil
	}
	for _, bar := range dev.BARs {
		if bar.IO == (st.Space == SpaceIO) {
			return bar.Base + uint64(st.Offset), nil
		}
	}
	return 0, fmt.Errorf("device %q has no %s window", st.Device, st.Space)
}

func (r *Runner) device(name string) (machine.DeviceStatus, error) {
	for _, dev := range r.m.Devices() {
		if dev.Name == name {
			return dev, nil
		}
	}
	return machine.DeviceStatus{}, fmt.Errorf("device %q not attached", name)
}

func (r *Runner) memory(st Step) (uint64, error) {
	addr := uint64(*st.Addr)
	buf := make([]byte, st.Width)
	if st.Op == OpWrite {
		putLE(buf, uint64(st.Value))
		return 0, r.cpu.WriteMemory(addr, buf)
	}
	if err := r.cpu.ReadMemory(addr, buf); err != nil {
		return 0, err
	}
	return getLE(buf), nil
}

func putLE(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE(b []byte) uint64 {
	var v uint64
	for i := range b {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
