package mitigation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

func testLogger() logr.Logger {
	log.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(opts *zap.Options) {
			opts.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
	))
	return ctrl.Log.WithName("test-log")
}

type sensorMock struct {
	mock.Mock
}

func (s *sensorMock) ReadTemperature(ctx context.Context) (Temperature, error) {
	args := s.Called(ctx)
	return args.Get(0).(Temperature), args.Error(1)
}

// sequenceSensor returns the queued temperatures in order and repeats the last one.
type sequenceSensor struct {
	mu    sync.Mutex
	temps []Temperature
	reads int
}

func (s *sequenceSensor) ReadTemperature(_ context.Context) (Temperature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.temps) == 0 {
		return 0, fmt.Errorf("empty sequence: %w", ErrSensorRead)
	}
	idx := min(s.reads, len(s.temps)-1)
	s.reads++
	return s.temps[idx], nil
}

func (s *sequenceSensor) set(temps ...Temperature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps = temps
	s.reads = 0
}

// fakeFrequency keeps per-core policies in memory and applies SetMaxFreq to them.
type fakeFrequency struct {
	mu          sync.Mutex
	policies    map[uint]*Policy
	unavailable map[uint]bool
	setErr      error
	getCalls    int
	setCalls    []setCall
}

type setCall struct {
	core uint
	freq uint
}

func newFakeFrequency(hwMax uint, cores ...uint) *fakeFrequency {
	f := &fakeFrequency{
		policies:    make(map[uint]*Policy),
		unavailable: make(map[uint]bool),
	}
	for _, core := range cores {
		f.policies[core] = &Policy{MinFreq: 300000, CurrentMaxFreq: hwMax, HardwareMaxFreq: hwMax}
	}
	return f
}

func (f *fakeFrequency) GetPolicy(core uint) (Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	p, ok := f.policies[core]
	if !ok || f.unavailable[core] {
		return Policy{}, fmt.Errorf("core %d: %w", core, ErrPolicyUnavailable)
	}
	return *p, nil
}

func (f *fakeFrequency) SetMaxFreq(core uint, freq uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, setCall{core: core, freq: freq})
	if f.setErr != nil {
		return f.setErr
	}
	p, ok := f.policies[core]
	if !ok {
		return ErrPolicyUnavailable
	}
	p.CurrentMaxFreq = freq
	return nil
}

func (f *fakeFrequency) cap(core uint) uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[core].CurrentMaxFreq
}

func (f *fakeFrequency) setCap(core uint, freq uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[core].CurrentMaxFreq = freq
}

func (f *fakeFrequency) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, len(f.setCalls)
}

// fakeHotplug tracks the online state of cores and runs online hooks before
// bringing a core up, the way the sysfs backend does.
type fakeHotplug struct {
	mu         sync.Mutex
	online     map[uint]bool
	hooks      []func(core uint) error
	offlineErr error
	offlines   []uint
	onlines    []uint
}

func newFakeHotplug(cores ...uint) *fakeHotplug {
	h := &fakeHotplug{online: make(map[uint]bool)}
	for _, core := range cores {
		h.online[core] = true
	}
	return h
}

func (h *fakeHotplug) Offline(core uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offlines = append(h.offlines, core)
	if h.offlineErr != nil {
		return h.offlineErr
	}
	h.online[core] = false
	return nil
}

func (h *fakeHotplug) Online(core uint) error {
	h.mu.Lock()
	hooks := append([]func(uint) error{}, h.hooks...)
	h.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(core); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.onlines = append(h.onlines, core)
	h.online[core] = true
	return nil
}

func (h *fakeHotplug) IsOnline(core uint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[core]
}

func (h *fakeHotplug) register(hook func(core uint) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

func (h *fakeHotplug) history() ([]uint, []uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint{}, h.offlines...), append([]uint{}, h.onlines...)
}

var errBackend = errors.New("backend failure")
