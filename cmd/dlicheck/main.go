package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/S0me0neR0man/dlistash/internal/client"
)

type options struct {
	target   string
	psb      string
	pcb      string
	sessions int
	workers  int
	duration time.Duration
	logLevel string
}

func parseOptions(args []string) (options, error) {
	var o options
	app := kingpin.New("dlicheck", "Drives insert, get, replace or delete, verify cycles against a dlistash server.")
	app.HelpFlag.Short('h')
	app.Flag("target", "dlistash address").Default("127.0.0.1:3200").StringVar(&o.target)
	app.Flag("psb", "program to open").Default("CUSTPGM").StringVar(&o.psb)
	app.Flag("pcb", "pcb with CUSTOMER root and procopt A").Default("CUSTPCB").StringVar(&o.pcb)
	app.Flag("sessions", "remote programs in the pool").Default("4").IntVar(&o.sessions)
	app.Flag("workers", "goroutines per state").Default("2").IntVar(&o.workers)
	app.Flag("duration", "how long to run, 0 until interrupted").Default("30s").DurationVar(&o.duration)
	app.Flag("log-level", "log level").Default("info").EnumVar(&o.logLevel, "debug", "info", "warn", "error")
	if _, err := app.Parse(args); err != nil {
		return options{}, err
	}
	if o.sessions < 1 {
		return options{}, fmt.Errorf("sessions must be positive, got %d", o.sessions)
	}
	return o, nil
}

func openPool(ctx context.Context, o options) ([]*client.GRPCClient, error) {
	clients := make([]*client.GRPCClient, 0, o.sessions)
	for i := 0; i < o.sessions; i++ {
		c, err := client.NewGRPCClient(o.target)
		if err != nil {
			closePool(clients)
			return nil, err
		}
		clients = append(clients, c)
		if _, err := c.Open(ctx, o.psb); err != nil {
			closePool(clients)
			return nil, fmt.Errorf("open %s: %w", o.psb, err)
		}
	}
	return clients, nil
}

func closePool(clients []*client.GRPCClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range clients {
		_ = c.CloseProgram(ctx)
		_ = c.Close()
	}
}

func run(o options, logger *zap.Logger) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	clients, err := openPool(ctx, o)
	if err != nil {
		return false, err
	}
	defer closePool(clients)

	checker, err := NewChecker(clients, o.pcb, o.workers, logger)
	if err != nil {
		return false, err
	}
	report, err := checker.Run(ctx)
	fmt.Print(report.String())
	return !report.Failed(), err
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	level, err := zapcore.ParseLevel(o.logLevel)
	if err != nil {
		log.Fatal(err)
	}
	conf := zap.NewDevelopmentConfig()
	conf.Level = zap.NewAtomicLevelAt(level)
	logger, err := conf.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ok, err := run(o, logger)
	if err != nil {
		logger.Sugar().Errorw("dlicheck", "error", err)
		os.Exit(2)
	}
	if !ok {
		os.Exit(1)
	}
}
