package monitoring

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/cpuset"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "thermal"

	LogTopName           string = "monitoring"
	mitigationSubsystem  string = "mitigation"
	throttleSubsystem    string = "throttle"
	coreControlSubsystem string = "corecontrol"
	sensorSubsystem      string = "sensor"

	logNameKey string = "name"
)

// ErrMetricMissing is returned by read functions that have no value to report yet.
var ErrMetricMissing = errors.New("metric value not available")

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// newCollector is generic factory of prometheus Collectors for metrics without labels.
// readFunc returning an error skips the sample for this scrape.
func newCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	readFunc func() (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(metricName, metricDesc, nil, nil)
	log.V(4).Info("New prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			val, err := readFunc()
			if err != nil {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err))
				return
			}
			ch <- prom.MustNewConstMetric(desc, metricType, float64(val))
		},
	}
}

// newPerCPUCollector is generic factory of prometheus Collectors for metrics that are CPU bound.
// cpus is the set of CPUs a sample is attempted for on every scrape.
// readFunc returning ErrMetricMissing for a CPU means the CPU currently has no value.
func newPerCPUCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	cpus cpuset.CPUSet, readFunc func(cpu uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu"},
		nil,
	)
	ids := cpus.List()
	log.V(4).Info("New perCPU prometheus Collector created", "cpus", cpus.String())

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, id := range ids {
				val, err := readFunc(uint(id))
				if err != nil {
					if !errors.Is(err, ErrMetricMissing) {
						log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "cpu", id)
					}
					continue
				}
				ch <- prom.MustNewConstMetric(desc, metricType, float64(val), strconv.Itoa(id))
			}
		},
	}
}
