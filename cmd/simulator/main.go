package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/handover-simulator/core"
	"github.com/signalsfoundry/handover-simulator/internal/config"
	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/timectrl"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults to $HANDOVER_CONFIG)")
	ticks := flag.Int("ticks", 0, "number of ticks to run (overrides scenario.ticks)")
	realtime := flag.Bool("realtime", false, "pace ticks by scenario.tick_interval instead of running accelerated")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *ticks > 0 {
		cfg.Scenario.Ticks = *ticks
	}
	mode := timectrl.Accelerated
	if *realtime {
		mode = timectrl.RealTime
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sum, err := runScenario(ctx, cfg, mode, logging.New(cfg.Logging), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Simulation complete: %d ticks, %d handovers, %d failed handovers, %d data sends.\n",
		sum.Ticks, sum.Handovers, sum.FailedHandovers, sum.Records)
}

type summary struct {
	Ticks           int
	Handovers       int
	FailedHandovers int
	Records         int
	Final           state.NetworkSnapshot
}

type mover struct {
	id    string
	model core.MobilityModel
}

// runScenario registers the scenario devices and, on every tick, moves each
// one along its path and lets the network re-evaluate its association.
// Every scenario.send_every ticks all devices send data.
func runScenario(ctx context.Context, cfg config.Config, mode timectrl.Mode, log logging.Logger, out io.Writer) (summary, error) {
	if err := cfg.Validate(); err != nil {
		return summary{}, err
	}
	sc := cfg.Scenario
	tc := timectrl.NewTimeController(sc.Start, sc.TickInterval, mode)
	tc.Step = sc.SimStep

	var sum summary
	printer := events.SinkFunc(func(_ context.Context, ev events.Event) error {
		switch ev.Type {
		case events.TypeHandover:
			sum.Handovers++
			fmt.Fprintf(out, "[%s] handover %s: %s -> %s (signal %.1f) @ (%.1f, %.1f)\n",
				ev.At.Format(time.RFC3339), ev.DeviceID, ev.PreviousStationID, ev.StationID, ev.Signal, ev.X, ev.Y)
		case events.TypeHandoverFailed:
			sum.FailedHandovers++
			fmt.Fprintf(out, "[%s] handover %s to %s failed: %s\n",
				ev.At.Format(time.RFC3339), ev.DeviceID, ev.StationID, ev.Detail)
		}
		return nil
	})

	network := state.NewNetworkState(nil, log,
		state.WithClock(tc),
		state.WithEventSink(printer),
		state.WithInitialLocation(cfg.StartLocation()),
	)
	if err := network.ProvisionStations(ctx, cfg.Stations); err != nil {
		return sum, fmt.Errorf("provision stations: %w", err)
	}
	for _, st := range network.ListStations() {
		fmt.Fprintf(out, "Station %s @ (%.0f, %.0f) capacity %d\n", st.ID, st.Location.X, st.Location.Y, st.Capacity)
	}

	var movers []mover
	for _, d := range sc.Devices {
		snap, err := network.RegisterDevice(ctx, d.ID, d.Kind)
		if err != nil {
			fmt.Fprintf(out, "Device %s (%s) not registered: %v\n", d.ID, d.Kind, err)
			continue
		}
		fmt.Fprintf(out, "Device %s (%s) registered on %s\n", snap.ID, snap.Kind, snap.StationID)
		movers = append(movers, mover{
			id:    d.ID,
			model: core.NewMobilityModel(snap.Location, d.Waypoints, d.Speed, sc.Start, d.Loop),
		})
	}

	tc.AddListener(func(now time.Time) {
		sum.Ticks++
		for _, m := range movers {
			if _, err := network.MoveDevice(ctx, m.id, m.model.PositionAt(now)); err != nil {
				log.Warn(ctx, "move failed", logging.String("device_id", m.id), logging.Err(err))
			}
		}
		if sc.SendEvery > 0 && sum.Ticks%sc.SendEvery == 0 {
			for _, rec := range network.SendAll(ctx) {
				sum.Records++
				fmt.Fprintf(out, "[%s] %s (battery %d)\n", now.Format(time.RFC3339), rec, rec.BatteryAfter)
			}
		}
	})

	fmt.Fprintf(out, "Starting simulation: ticks=%d step=%s mode=%v\n", sc.Ticks, sc.SimStep, mode)
	if err := tc.Run(ctx, time.Duration(sc.Ticks)*sc.SimStep); err != nil {
		return sum, err
	}

	if err := network.CheckInvariants(); err != nil {
		return sum, err
	}
	sum.Final = network.Snapshot()
	for _, d := range sum.Final.Devices {
		station := d.StationID
		if station == "" {
			station = "none"
		}
		fmt.Fprintf(out, "%s %s @ (%.1f, %.1f) battery %d station %s\n",
			d.Kind, d.ID, d.Location.X, d.Location.Y, d.Battery, station)
	}
	for _, st := range sum.Final.Stations {
		fmt.Fprintf(out, "%s load %d/%d %v\n", st.ID, st.Load, st.Capacity, st.Devices)
	}
	return sum, nil
}
