package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

type countersResponse struct {
	Cycles          uint64 `json:"cycles"`
	SensorErrors    uint64 `json:"sensorErrors"`
	PolicySkips     uint64 `json:"policySkips"`
	FrequencyErrors uint64 `json:"frequencyErrors"`
	HotplugErrors   uint64 `json:"hotplugErrors"`
	CoresOfflined   uint64 `json:"coresOfflined"`
	CoresOnlined    uint64 `json:"coresOnlined"`
}

type statusResponse struct {
	Enabled         bool             `json:"enabled"`
	Tier            string           `json:"tier"`
	Temperature     *int             `json:"temperature,omitempty"`
	LastCycle       *time.Time       `json:"lastCycle,omitempty"`
	Caps            map[string]uint  `json:"caps"`
	Offlined        string           `json:"offlined"`
	CoreControlMask string           `json:"coreControlMask"`
	Counters        countersResponse `json:"counters"`
}

type admissionResponse struct {
	CPU       uint   `json:"cpu"`
	Online    bool   `json:"online"`
	Admission string `json:"admission"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newStatusResponse(status mitigation.Status) statusResponse {
	resp := statusResponse{
		Enabled:         status.Enabled,
		Tier:            status.Tier.String(),
		Caps:            make(map[string]uint, len(status.Caps)),
		Offlined:        status.Offlined.String(),
		CoreControlMask: status.CoreControlMask.String(),
		Counters: countersResponse{
			Cycles:          status.Cycles,
			SensorErrors:    status.SensorErrors,
			PolicySkips:     status.PolicySkips,
			FrequencyErrors: status.FrequencyErrors,
			HotplugErrors:   status.HotplugErrors,
			CoresOfflined:   status.CoresOfflined,
			CoresOnlined:    status.CoresOnlined,
		},
	}
	if status.TemperatureOK {
		temp := int(status.Temperature)
		resp.Temperature = &temp
	}
	if !status.LastCycle.IsZero() {
		lastCycle := status.LastCycle
		resp.LastCycle = &lastCycle
	}
	for cpu, freq := range status.Caps {
		resp.Caps[strconv.FormatUint(uint64(cpu), 10)] = freq
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
