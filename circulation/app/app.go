package app

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Astemirdum/library-circulation/circulation/config"
	"github.com/Astemirdum/library-circulation/circulation/internal/handler"
	"github.com/Astemirdum/library-circulation/circulation/internal/policy"
	"github.com/Astemirdum/library-circulation/circulation/internal/publisher"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
	"github.com/Astemirdum/library-circulation/circulation/internal/server"
	"github.com/Astemirdum/library-circulation/circulation/internal/service"
	"github.com/Astemirdum/library-circulation/circulation/migrations"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
	"github.com/Astemirdum/library-circulation/pkg/logger"
	"github.com/Astemirdum/library-circulation/pkg/postgres"
)

// Run serves the HTTP API, the daily sweeper and the kiosk command consumer until SIGTERM.
func Run(cfg config.Config) {
	log := logger.NewLogger(cfg.Log, "circulation")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := newRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("repository", zap.Error(err))
	}
	defer closeRepo()

	svc, closeSvc, err := newService(cfg, repo, log)
	if err != nil {
		log.Fatal("service", zap.Error(err))
	}
	defer closeSvc()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Sweeper.Enable {
		sweeper, err := service.NewSweeper(svc, cfg.Sweeper.At, log)
		if err != nil {
			log.Fatal("sweeper", zap.Error(err))
		}
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	if cfg.Kafka.Enable {
		group, err := kafka.NewConsumer(cfg.Kafka, kafka.CirculationConsumerGroup)
		if err != nil {
			log.Fatal("kafka.NewConsumer", zap.Error(err))
		}
		g.Go(func() error {
			kafka.Consume(gctx, group, handler.NewConsumer(svc.Transition, log), log, kafka.CopyCommandTopic)
			return group.Close()
		})
	}

	h := handler.New(svc, log)
	srv := server.NewServer(cfg.Server, h.NewRouter())
	log.Info("http server start ON: ",
		zap.String("addr",
			net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)))
	g.Go(func() error {
		return srv.Run()
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Debug("Graceful shutdown", zap.Error(context.Cause(gctx)))

		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		return srv.Stop(closeCtx)
	})

	if err = g.Wait(); err != nil {
		log.Error("circulation stopped", zap.Error(err))
		return
	}
	log.Info("Graceful shutdown finished")
}

// Sweep runs a single expiry sweep, for cron-driven deployments.
func Sweep(cfg config.Config) error {
	log := logger.NewLogger(cfg.Log, "circulation")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := newRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	svc, closeSvc, err := newService(cfg, repo, log)
	if err != nil {
		return err
	}
	defer closeSvc()

	report, err := svc.Sweep(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return errors.Errorf("%d of %d holds failed to expire", report.Failed, report.Scanned)
	}
	return nil
}

// Migrate applies the schema migrations and exits.
func Migrate(cfg config.Config) error {
	if cfg.Storage.Driver != config.DriverPostgres {
		return errors.Errorf("storage driver %q has no migrations", cfg.Storage.Driver)
	}
	db, err := postgres.NewPostgresDB(context.Background(), &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return err
	}
	db.Close()
	return nil
}

func newRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (repository.Repository, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewPostgresDB(ctx, &cfg.Database, migrations.MigrationFiles)
		if err != nil {
			return nil, nil, errors.Wrap(err, "db init")
		}
		return repository.NewPostgresRepository(db, log), db.Close, nil
	case config.DriverBadger:
		repo, err := repository.NewBadgerRepository(cfg.Storage.BadgerDir, log)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				log.Error("badger close", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func newService(cfg config.Config, repo repository.Repository, log *zap.Logger) (*service.Service, func(), error) {
	store, err := policy.NewStore(cfg.Policy)
	if err != nil {
		return nil, nil, err
	}
	opts := []service.Option{service.WithSweepWorkers(cfg.Sweeper.Workers)}
	closer := func() {}
	if cfg.Kafka.Enable {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return nil, nil, errors.Wrap(err, "kafka.NewProducer")
		}
		pub := publisher.NewKafka(producer, log)
		opts = append(opts, service.WithPublisher(pub))
		closer = func() {
			if err := pub.Close(); err != nil {
				log.Error("producer close", zap.Error(err))
			}
		}
	}
	return service.NewService(repo, store, log, opts...), closer, nil
}
