package sysfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
	"github.com/AMDEPYC/thermal-manager/pkg/testutils"
)

func TestCPUFreqGetPolicy(t *testing.T) {
	fs := testutils.FullDummySystem(t)
	fs.WriteCPUFile(2, "cpufreq/scaling_max_freq", "972000")
	freq := NewCPUFreq(testutils.SetupTestLogger(), fs.Root)

	policy, err := freq.GetPolicy(2)
	require.NoError(t, err)
	assert.Equal(t, mitigation.Policy{
		MinFreq:         300000,
		CurrentMaxFreq:  972000,
		HardwareMaxFreq: 1600000,
	}, policy)

	fs.RemoveCPUFreq(3)
	_, err = freq.GetPolicy(3)
	assert.ErrorIs(t, err, mitigation.ErrPolicyUnavailable)

	fs.WriteCPUFile(1, "cpufreq/scaling_min_freq", "garbage")
	_, err = freq.GetPolicy(1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, mitigation.ErrPolicyUnavailable)
}

func TestCPUFreqSetMaxFreq(t *testing.T) {
	fs := testutils.FullDummySystem(t)
	freq := NewCPUFreq(testutils.SetupTestLogger(), fs.Root)

	for _, tc := range []struct {
		name      string
		requested uint
		applied   string
	}{
		{name: "within limits", requested: 648000, applied: "648000"},
		{name: "above hardware max", requested: 2000000, applied: "1600000"},
		{name: "below hardware min", requested: 100000, applied: "300000"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, freq.SetMaxFreq(1, tc.requested))
			assert.Equal(t, tc.applied, fs.ReadCPUFile(1, "cpufreq/scaling_max_freq"))
		})
	}

	fs.RemoveCPUFreq(2)
	assert.Error(t, freq.SetMaxFreq(2, 648000))
}

func TestCPUFreqGovernor(t *testing.T) {
	fs := testutils.FullDummySystem(t)
	fs.WriteCPUFile(0, "cpufreq/scaling_governor", "userspace")
	fs.RemoveCPUFreq(3)
	freq := NewCPUFreq(testutils.SetupTestLogger(), fs.Root)

	governor, err := freq.Governor(0)
	require.NoError(t, err)
	assert.Equal(t, "userspace", governor)

	governor, err = freq.Governor(1)
	require.NoError(t, err)
	assert.Equal(t, "schedutil", governor)

	_, err = freq.Governor(3)
	assert.Error(t, err)

	assert.NotPanics(t, func() { freq.Probe([]uint{0, 1, 2, 3}) })
}
