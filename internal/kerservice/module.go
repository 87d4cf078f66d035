package kerservice

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/reikooters/kerything/internal/kerdevice"
	"github.com/reikooters/kerything/internal/kerjob"
	"github.com/reikooters/kerything/internal/kerstore"
	"github.com/reikooters/kerything/internal/kerwatch"
	"github.com/reikooters/kerything/pkg/config"
	"github.com/reikooters/kerything/pkg/db"
	"go.uber.org/fx"
)

// Module wires C1-C10 plus internal/kerdevice into a running daemon:
// the system D-Bus connection, the Facade composing store/jobs/watch/
// devices, and the DBusExport adapter that puts the Facade on the bus.
// Mirrors the teacher's pkg/api.Module -- a Server built from
// constructor-injected handlers, registered on an fx.Lifecycle hook.
var Module = fx.Module("kerservice",
	fx.Provide(
		provideDBusConn,
		provideSnapshotStore,
		provideStore,
		provideProber,
		provideFacade,
		provideJobSupervisor,
		provideWatchSupervisor,
		NewDBusSignals,
	),
	fx.Invoke(registerJobFacadeLink, registerDBusExport, registerWatchSeed),
)

func provideDBusConn(lc fx.Lifecycle, logger *slog.Logger) (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing dbus connection")
			return conn.Close()
		},
	})
	return conn, nil
}

func provideSnapshotStore(cfg *config.Config) (*kerstore.SnapshotStore, error) {
	return kerstore.NewSnapshotStore(cfg.SnapshotDir)
}

func provideStore(snapshots *kerstore.SnapshotStore) *kerstore.Store {
	return kerstore.NewStore(snapshots)
}

func provideProber() *kerdevice.Prober {
	return kerdevice.NewProber()
}

func provideFacade(logger *slog.Logger, store *kerstore.Store, prober *kerdevice.Prober, signals Signals, database *db.DB) (*Facade, error) {
	// jobs and watch are wired in after construction (registerJobFacadeLink,
	// registerWatchSeed) since they in turn need callbacks/targets derived
	// from the Facade itself -- see Facade.Callbacks()/Facade.WantedTargets().
	return New(logger, store, nil, nil, prober, signals, database), nil
}

func provideJobSupervisor(cfg *config.Config, store *kerstore.Store, facade *Facade) *kerjob.Supervisor {
	return kerjob.New(cfg.ScannerPath, store, facade.Callbacks())
}

func provideWatchSupervisor(cfg *config.Config, prober *kerdevice.Prober, facade *Facade, jobs *kerjob.Supervisor) *kerwatch.Supervisor {
	onBurst := func(b kerwatch.Burst) {
		if kd, err := prober.MountPoint(b.Key.DeviceID); err == nil && kd != "" {
			// Best-effort: look up fsType and the device node from the
			// prober's known-device list so a watch-triggered re-scan gets
			// the same fsType and device path the original StartIndex call
			// used.
			fsType, devNode := "", ""
			if devices, err := prober.ListKnownDevices(); err == nil {
				for _, d := range devices {
					if d.DeviceID == b.Key.DeviceID {
						fsType = d.FsType
						devNode = d.DevNode
						break
					}
				}
			}
			jobs.StartJob(b.Key.OwnerUID, b.Key.DeviceID, fsType, devNode)
		}
	}
	return kerwatch.NewWithTiming(prober, facade.WantedTargets, onBurst, cfg.WatchQuietPeriod, cfg.WatchBackoffBase, cfg.WatchBackoffCap)
}

// registerJobFacadeLink and registerWatchSeed exist purely to force fx
// to construct jobs/watch (which have no other consumer at provide
// time) and to attach them to the already-built Facade, since New()
// above had to pass nil for both to break the provider cycle.
func registerJobFacadeLink(facade *Facade, jobs *kerjob.Supervisor) {
	facade.SetJobs(jobs)
}

func registerWatchSeed(lc fx.Lifecycle, logger *slog.Logger, facade *Facade, watch *kerwatch.Supervisor) {
	facade.SetWatch(watch)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("watch supervisor ready")
			return nil
		},
	})
}

func registerDBusExport(lc fx.Lifecycle, logger *slog.Logger, conn *dbus.Conn, facade *Facade) error {
	export, err := NewDBusExport(logger, conn, facade)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("kerythingd exported on dbus", "busName", busName, "objectPath", string(objectPath))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return export.Close()
		},
	})
	return nil
}
