package sysfs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

type testMSRReader struct {
	mock.Mock
}

func (msr *testMSRReader) close() error { return msr.Called().Error(0) }

func (msr *testMSRReader) read(offset uint64) (uint64, error) {
	args := msr.Called(offset)
	return args.Get(0).(uint64), args.Error(1)
}

func withMSRReader(t *testing.T, reader msrReader) {
	origFunc := newMSRReaderFunc
	t.Cleanup(func() { newMSRReaderFunc = origFunc })
	newMSRReaderFunc = func(uint) (msrReader, error) { return reader, nil }
}

func TestMSRSensor(t *testing.T) {
	reader := &testMSRReader{}
	// TjMax 100 in bits 23:16
	reader.On("read", tempTargetOffset).Return(uint64(100)<<16, nil)
	// valid readout of 28 degrees below TjMax
	reader.On("read", thermStatusOffset).Return(thermStatusReadingValid|uint64(28)<<16, nil).Once()
	reader.On("read", thermStatusOffset).Return(uint64(28)<<16, nil).Once()
	reader.On("close").Return(nil)
	withMSRReader(t, reader)

	sensor, err := NewMSRSensor(1)
	require.NoError(t, err)

	temp, err := sensor.ReadTemperature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mitigation.Temperature(72), temp)

	_, err = sensor.ReadTemperature(context.Background())
	assert.ErrorIs(t, err, mitigation.ErrSensorRead)

	assert.NoError(t, sensor.Close())
	reader.AssertExpectations(t)
}

func TestNewMSRSensorErrors(t *testing.T) {
	origFunc := newMSRReaderFunc
	defer func() { newMSRReaderFunc = origFunc }()

	newMSRReaderFunc = func(uint) (msrReader, error) { return nil, errors.New("no msr module") }
	_, err := NewMSRSensor(0)
	assert.Error(t, err)

	errRead := errors.New("EIO")
	errClose := errors.New("bad file descriptor")
	reader := &testMSRReader{}
	reader.On("read", tempTargetOffset).Return(uint64(0), errRead)
	reader.On("close").Return(errClose)
	newMSRReaderFunc = func(uint) (msrReader, error) { return reader, nil }
	_, err = NewMSRSensor(0)
	assert.ErrorIs(t, err, errRead)
	assert.ErrorIs(t, err, errClose)
	reader.AssertCalled(t, "close")
}
