// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/drone/signal"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/drone-runners/drone-autoscaler/app/autoscaler"
	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/app/historian"
	"github.com/drone-runners/drone-autoscaler/app/predictor"
	"github.com/drone-runners/drone-autoscaler/app/scheduler"
	"github.com/drone-runners/drone-autoscaler/app/scheduler/jobs"
	"github.com/drone-runners/drone-autoscaler/command/config"
	"github.com/drone-runners/drone-autoscaler/metric"
	"github.com/drone-runners/drone-autoscaler/store"
	"github.com/drone-runners/drone-autoscaler/store/database"
)

const shutdownTimeout = 30 * time.Second

// empty context.
var nocontext = context.Background()

type daemonCommand struct {
	envFile    string
	configFile string
}

func (c *daemonCommand) run(*kingpin.ParseContext) error {
	// load environment variables from file.
	err := godotenv.Load(c.envFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	// load the configuration from the environment
	env, err := config.FromEnviron()
	if err != nil {
		return err
	}

	// setup the global logrus logger.
	setupLogger(&env)

	ctx, cancel := context.WithCancel(nocontext)
	defer cancel()

	// listen for termination signals to gracefully shutdown the daemon.
	ctx = signal.WithContextFunc(ctx, func() {
		println("daemon: received signal, terminating process")
		cancel()
	})

	path := c.configFile
	if path == "" {
		path = env.Autoscaler.ConfigFile
	}
	if path == "" {
		logrus.Fatalln("daemon: missing configuration file, use --config or AUTOSCALER_CONFIG_FILE")
	}
	logrus.WithField("path", path).Infoln("daemon: loading configuration")
	document, err := config.ProcessConfigFile(path, env.Autoscaler.Environ)
	if err != nil {
		logrus.WithError(err).
			Errorln("daemon: unable to load configuration")
		return err
	}

	pool, err := providePool(&env)
	if err != nil {
		logrus.WithError(err).
			Errorln("daemon: unable to create the cloud pool")
		return err
	}

	bus := eventbus.New()
	unsubscribe := metric.RegisterMetrics().Subscribe(bus)
	defer unsubscribe()

	var events store.EventStore
	if !env.History.Disabled {
		db, dbErr := database.ProvideDatabase(env.Database.Path)
		if dbErr != nil {
			logrus.WithError(dbErr).Fatalln("daemon: unable to start the database")
		}
		defer db.Close()
		events = database.ProvideEventStore(db)

		history := historian.New(events, env.History.Buffer)
		history.Start(bus)
		defer history.Stop()

		prune := jobs.NewHistoryPruneJob(events, env.History.CleanupInterval, env.History.Retention)
		sched := scheduler.New(ctx)
		sched.Register(prune)
		sched.Start()
		defer func() {
			sched.Stop()
			stats := prune.Stats()
			logrus.WithField("pruned", stats.Pruned).
				WithField("runs", stats.Runs).
				Debugln("daemon: history pruning stopped")
		}()
	}

	instance := autoscaler.New(bus, predictor.DefaultCatalog(), pool)
	if err := instance.Configure(ctx, document); err != nil {
		logrus.WithError(err).
			Errorln("daemon: invalid autoscaler configuration")
		return err
	}
	if err := instance.Start(ctx); err != nil {
		logrus.WithError(err).
			Errorln("daemon: unable to start the autoscaler")
		return err
	}

	var g errgroup.Group
	server := &http.Server{
		Addr:              env.Server.Port,
		Handler:           Handler(instance, events),
		ReadHeaderTimeout: 10 * time.Second, //nolint:mnd
	}

	logrus.WithField("addr", env.Server.Port).
		WithField("driver", env.Pool.Driver).
		Infoln("daemon: starting the server")

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(nocontext, shutdownTimeout)
		defer stopCancel()

		if err := instance.Stop(stopCtx); err != nil {
			logrus.WithError(err).
				Errorln("daemon: unable to stop the autoscaler")
		}
		return server.Shutdown(stopCtx)
	})

	err = g.Wait()
	if err != nil {
		logrus.WithError(err).
			Errorln("daemon: shutting down the server")
	}
	return err
}

func setupLogger(c *config.EnvConfig) {
	if c.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if c.Trace {
		logrus.SetLevel(logrus.TraceLevel)
	}
}

// Register the daemon command.
func Register(app *kingpin.Application) {
	c := new(daemonCommand)

	cmd := app.Command("daemon", "starts the autoscaler daemon").
		Default().
		Action(c.run)
	cmd.Flag("envfile", "load the environment variable file").
		Default("").
		StringVar(&c.envFile)
	cmd.Flag("config", "autoscaler configuration file").
		Default("").
		StringVar(&c.configFile)
}
