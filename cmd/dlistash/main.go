package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/S0me0neR0man/dlistash/internal/config"
	"github.com/S0me0neR0man/dlistash/internal/dli"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore"
	"github.com/S0me0neR0man/dlistash/internal/segstore/levelstore"
	"github.com/S0me0neR0man/dlistash/internal/segstore/memstore"
	"github.com/S0me0neR0man/dlistash/internal/segstore/sqlstore"
	"github.com/S0me0neR0man/dlistash/internal/server"
)

func newLogger(conf *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if conf.LogDev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(ctx context.Context, conf *config.Config, logger *zap.Logger) (segstore.Store, error) {
	switch conf.StoreDriver {
	case config.DriverLevelDB:
		return levelstore.Open(conf.StorePath, conf.LockTimeout.Duration, logger)
	case config.DriverMySQL:
		return sqlstore.Open(ctx, conf.StoreDSN, conf.LockTimeout.Duration, logger)
	}
	return memstore.New(logger), nil
}

func run(ctx context.Context, conf *config.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	catalog, err := metadata.LoadCatalog(os.DirFS(conf.MetadataDir))
	if err != nil {
		return fmt.Errorf("metadata %s: %w", conf.MetadataDir, err)
	}
	loader, err := metadata.NewLoader(catalog, conf.CatalogCacheSize, logger)
	if err != nil {
		return err
	}
	defer loader.Close()

	store, err := openStore(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("store %s: %w", conf.StoreDriver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Errorw("store.Close", "error", err)
		}
	}()
	sugar.Infow("ready", "driver", conf.StoreDriver, "dbds", catalog.Hierarchies(), "listen", conf.Listen)

	s := server.NewGRPCServer(dli.NewEngine(loader, store, logger), conf, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Wait()
		return nil
	})
	return g.Wait()
}

func main() {
	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := newLogger(conf)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.Sugar().Errorw("dlistash", "error", err)
		os.Exit(1)
	}
}
