package sysfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

const (
	msrFilename      string = "msr"
	msrReaderBufSize int    = 8

	// IA32_THERM_STATUS and IA32_TEMPERATURE_TARGET
	thermStatusOffset uint64 = 0x0000019C
	tempTargetOffset  uint64 = 0x000001A2

	thermStatusReadingValid uint64 = 1 << 31
)

// Func definitions for unit testing
var (
	msrDirPath                                     = "/dev/cpu/"
	newMSRReaderFunc func(uint) (msrReader, error) = newMSRReader
)

type msrReader interface {
	read(offset uint64) (uint64, error)
	close() error
}

type msrReaderImpl struct {
	cpu  uint
	file *os.File
}

func newMSRReader(cpu uint) (msrReader, error) {
	msrFile, err := os.OpenFile(
		filepath.Join(msrDirPath, strconv.Itoa(int(cpu)), msrFilename),
		os.O_RDONLY,
		0660,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSR file for CPU %d: %w", cpu, err)
	}

	return &msrReaderImpl{cpu: cpu, file: msrFile}, nil
}

func (m *msrReaderImpl) read(offset uint64) (uint64, error) {
	buf := make([]byte, msrReaderBufSize)
	if _, err := unix.Pread(int(m.file.Fd()), buf, int64(offset)); err != nil {
		return 0, fmt.Errorf("failed to read properly opened MSR file for CPU %d: %w", m.cpu, err)
	}

	return binary.LittleEndian.Uint64(buf), nil
}

func (m *msrReaderImpl) close() error {
	return m.file.Close()
}

// MSRSensor derives the core temperature from the Intel digital thermal sensor:
// TjMax from IA32_TEMPERATURE_TARGET minus the readout of IA32_THERM_STATUS.
type MSRSensor struct {
	mu     sync.Mutex
	cpu    uint
	reader msrReader
	tjMax  uint64
}

func NewMSRSensor(cpu uint) (*MSRSensor, error) {
	reader, err := newMSRReaderFunc(cpu)
	if err != nil {
		return nil, err
	}

	target, err := reader.read(tempTargetOffset)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to read TjMax for CPU %d: %w", cpu, err), reader.close())
	}

	return &MSRSensor{
		cpu:    cpu,
		reader: reader,
		tjMax:  (target >> 16) & 0xFF,
	}, nil
}

func (s *MSRSensor) ReadTemperature(ctx context.Context) (mitigation.Temperature, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	status, err := s.reader.read(thermStatusOffset)
	if err != nil {
		return 0, fmt.Errorf("msr cpu %d: %w: %w", s.cpu, mitigation.ErrSensorRead, err)
	}
	if status&thermStatusReadingValid == 0 {
		return 0, fmt.Errorf("msr cpu %d: digital readout not valid: %w", s.cpu, mitigation.ErrSensorRead)
	}

	readout := (status >> 16) & 0x7F
	return mitigation.Temperature(int64(s.tjMax) - int64(readout)), nil
}

func (s *MSRSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.close()
}
