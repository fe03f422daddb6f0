package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/config"
	"github.com/vts/obligation-engine/contractor"
	"github.com/vts/obligation-engine/gateway"
	"github.com/vts/obligation-engine/notify"
	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/offline"
	"github.com/vts/obligation-engine/store/sqlite"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *sqlite.Store
	queue       *offline.BoltQueue
	gateway     *gateway.Simulated
	scheduler   *notify.Scheduler
	contractors *contractor.Directory
	engine      *obligation.Engine
	monitor     offline.Monitor
	probe       *offline.Probe // nil when no probe URL is configured
	client      *offline.Client
	reconciler  *offline.Reconciler
}

// openApp opens the database and the action queue and wires every
// component. Close releases both files.
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	queue, err := offline.OpenBoltQueue(cfg.QueuePath, cfg.DeviceID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open action queue: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store, queue: queue}

	if a.contractors, err = newDirectory(cfg.Contractors); err != nil {
		a.Close()
		return nil, err
	}

	a.gateway = gateway.NewSimulated(cfg.Gateway.Latency, logger)
	a.scheduler = notify.NewScheduler(notify.NewLogSender(logger),
		notify.WithLogger(logger),
		notify.WithDispatchSpec(cfg.Notify.Schedule),
		notify.WithSweepSpec(cfg.Notify.SweepSchedule),
	)
	a.engine = obligation.NewEngine(store, nil, a.gateway, a.scheduler,
		obligation.WithLogger(logger),
		obligation.WithContractors(a.contractors),
	)
	a.scheduler.WatchOverdue(a.engine)

	if cfg.Connectivity.ProbeURL != "" {
		a.probe = offline.NewProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, logger)
		a.monitor = a.probe
	} else {
		a.monitor = offline.NewSwitch(false)
	}

	messenger := notify.NewLogMessenger(logger)
	a.client = offline.NewClient(a.engine, queue, a.monitor, cfg.DeviceID, messenger)
	a.reconciler = offline.NewReconciler(a.engine, queue, a.monitor,
		offline.WithMessenger(messenger),
		offline.WithReconcilerLogger(logger),
		offline.WithRetryInterval(cfg.Connectivity.RetryInterval),
	)
	return a, nil
}

// newDirectory seeds the contractor directory from the config file.
func newDirectory(seed []config.ContractorConfig) (*contractor.Directory, error) {
	cs := make([]contractor.Contractor, 0, len(seed))
	for i, sc := range seed {
		c := contractor.Contractor{
			ID:        sc.ID,
			Name:      sc.Name,
			Company:   sc.Company,
			Email:     sc.Email,
			Phone:     sc.Phone,
			Preferred: sc.Preferred,
			Rating:    sc.Rating,
		}
		for _, s := range sc.Specialties {
			sp, err := contractor.ParseSpecialty(s)
			if err != nil {
				return nil, fmt.Errorf("contractors[%d]: %w", i, err)
			}
			c.Specialties = append(c.Specialties, sp)
		}
		if sc.HourlyRate != "" {
			rate, err := decimal.NewFromString(sc.HourlyRate)
			if err != nil {
				return nil, fmt.Errorf("contractors[%d]: hourly_rate %q: %w", i, sc.HourlyRate, err)
			}
			c.HourlyRate = &rate
		}
		cs = append(cs, c)
	}
	dir, err := contractor.NewDirectory(cs...)
	if err != nil {
		return nil, fmt.Errorf("load contractors: %w", err)
	}
	return dir, nil
}

// checkOnline probes once when a probe is configured.
func (a *app) checkOnline(ctx context.Context) bool {
	if a.probe != nil {
		return !a.probe.Check(ctx)
	}
	return !a.monitor.IsOffline()
}

func (a *app) Close() error {
	return errors.Join(a.queue.Close(), a.store.Close())
}
