/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/AMDEPYC/thermal-manager/internal/config"
	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
	"github.com/AMDEPYC/thermal-manager/internal/monitoring"
	"github.com/AMDEPYC/thermal-manager/internal/server"
	"github.com/AMDEPYC/thermal-manager/internal/sysfs"
)

const name = "thermal-agent"

var setupLog = ctrl.Log.WithName("setup")

type options struct {
	configPath  string
	sysfsRoot   string
	bindAddress string
	logOpts     zap.Options
}

func main() {
	if err := newCommand().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          name,
		Short:        "Node agent throttling CPU frequency and offlining cores on overheating",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "",
		"Path of the YAML configuration file. Defaults are used when empty.")
	cmd.Flags().StringVar(&opts.sysfsRoot, "sysfs-root", sysfs.DefaultRoot, "Mount point of sysfs.")
	cmd.Flags().StringVar(&opts.bindAddress, "bind-address", ":10001",
		"The address the metrics, health and status endpoints bind to.")

	goFlags := flag.NewFlagSet(name, flag.ExitOnError)
	opts.logOpts.BindFlags(goFlags)
	cmd.Flags().AddGoFlagSet(goFlags)
	return cmd
}

func run(ctx context.Context, opts *options) error {
	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&opts.logOpts),
	),
	)

	store, err := config.NewStore(ctrl.Log.WithName("config"), opts.configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		return err
	}
	cfg := store.Config()

	cores, err := sysfs.DiscoverCores(setupLog, opts.sysfsRoot)
	if err != nil {
		setupLog.Error(err, "unable to discover cores")
		return err
	}
	setupLog.Info("managing cores", "cores", cores.String())

	sensor, closeSensor, err := newSensor(cfg.Sensor, opts.sysfsRoot)
	if err != nil {
		setupLog.Error(err, "unable to create temperature sensor", "source", cfg.Sensor.Source)
		return err
	}
	defer closeSensor()

	freq := sysfs.NewCPUFreq(ctrl.Log.WithName("cpufreq"), opts.sysfsRoot)
	freq.Probe(toUint(cores.List()))

	hotplug := sysfs.NewHotplug(ctrl.Log.WithName("hotplug"), opts.sysfsRoot)
	state := mitigation.NewCoreControlState(ctrl.Log.WithName("admission"))
	hotplug.RegisterOnlineNotifier(state.OnlineHook())
	for _, core := range cfg.Settings.CoreControl.Mask.List() {
		if !hotplug.Hotpluggable(uint(core)) {
			setupLog.Info("core in core control mask cannot be hotplugged", "core", core)
		}
	}

	controller, err := mitigation.NewController(ctrl.Log.WithName("mitigation"), mitigation.ControllerOpts{
		Sensor:    sensor,
		Frequency: freq,
		Hotplug:   hotplug,
		Settings:  store,
		Cores:     cores,
		State:     state,
		EnabledFunc: func() bool {
			return store.Config().Enabled
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to create controller")
		return err
	}

	store.OnChange(func(prev, next config.Config) {
		if prev.Sensor != next.Sensor {
			setupLog.Info("sensor configuration changed, restart the agent to apply it")
		}
		switch {
		case next.Enabled && !prev.Enabled:
			controller.Enable()
		case !next.Enabled && prev.Enabled:
			controller.Disable()
		}
	})

	monitoring.RegisterThermalCollectors(controller, ctrl.Log.WithName(monitoring.LogTopName))

	srv, err := server.New(ctrl.Log.WithName("server"), server.Options{
		BindAddress: opts.bindAddress,
		Status:      controller,
		Admission:   state,
		Hotplug:     hotplug,
		Gatherer:    ctrlMetrics.Registry,
	})
	if err != nil {
		setupLog.Error(err, "unable to create server")
		return err
	}

	setupLog.Info("starting agent", "enabled", cfg.Enabled, "config", store.Path())
	g, ctx := errgroup.WithContext(ctx)
	for _, runnable := range []manager.Runnable{store, srv, controller} {
		g.Go(func() error { return runnable.Start(ctx) })
	}

	if err := g.Wait(); err != nil {
		setupLog.Error(err, "problem running agent")
		return err
	}
	return nil
}

func newSensor(cfg config.SensorConfig, root string) (mitigation.Sensor, func(), error) {
	noop := func() {}
	switch cfg.Source {
	case config.SensorHwmon:
		return sysfs.NewHwmonSensor(root, cfg.Chip, cfg.Input), noop, nil
	case config.SensorMSR:
		sensor, err := sysfs.NewMSRSensor(cfg.CPU)
		if err != nil {
			return nil, noop, err
		}
		return sensor, func() { _ = sensor.Close() }, nil
	default:
		sensor := sysfs.NewThermalZoneSensor(root, cfg.Zone)
		logZoneType(setupLog, sensor)
		return sensor, noop, nil
	}
}

func logZoneType(log logr.Logger, sensor *sysfs.ThermalZoneSensor) {
	if zoneType, err := sensor.Type(); err == nil {
		log.Info("using thermal zone", "type", zoneType)
	}
}

func toUint(ids []int) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		out = append(out, uint(id))
	}
	return out
}
