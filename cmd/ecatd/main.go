package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/goecat/pkg/config"
	gwhttp "github.com/samsamfire/goecat/pkg/gateway/http"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/link"
	_ "github.com/samsamfire/goecat/pkg/link/udp"
	_ "github.com/samsamfire/goecat/pkg/link/virtual"
	"github.com/samsamfire/goecat/pkg/network"
	"github.com/samsamfire/goecat/pkg/operator"
	"github.com/samsamfire/goecat/pkg/report"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 2 * time.Second

func setupLogging(cfg config.Logs, verbose bool) *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if verbose {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
	return logger
}

// Open the operator device described in the configuration, nil when
// commands come from the in-process stream
func openOperator(ctx context.Context, cfg config.Operator, logger *log.Logger) (network.Option, io.Closer, error) {
	switch cfg.Kind {
	case config.OperatorSerial:
		source, port, err := operator.OpenSerial(cfg.Serial, logger)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			if err := source.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("operator device stopped : %v", err)
			}
		}()
		return network.WithOperator(source, source), port, nil
	case config.OperatorCAN:
		source, err := operator.OpenCAN(cfg.CANInterface, cfg.CAN, logger)
		if err != nil {
			return nil, nil, err
		}
		return network.WithOperator(source, source), source, nil
	}
	return nil, nil, nil
}

func main() {
	configPath := flag.String("c", "", "configuration file (.ini, .yaml), default segment if empty")
	linkInterface := flag.String("i", "", "link interface, overrides configuration e.g. raw, udp, virtual")
	channel := flag.String("ch", "", "link channel, overrides configuration e.g. eth0, localhost:18888")
	listen := flag.String("l", "", "http listen address, overrides configuration")
	target := flag.String("t", lifecycle.PreOperational.String(), "state to reach after start")
	reportPath := flag.String("report", "", "write a commissioning report (pdf) on exit")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config : %v", err)
		}
		cfg = loaded
	}
	if *linkInterface != "" {
		cfg.Link.Interface = *linkInterface
	}
	if *channel != "" {
		cfg.Link.Channel = *channel
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	targetState, err := lifecycle.StateFromString(*target)
	if err != nil {
		log.Fatalf("target state : %v", err)
	}

	logger := setupLogging(cfg.Logs, *verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := link.NewBus(cfg.Link.Interface, cfg.Link.Channel)
	if err != nil {
		logger.Fatalf("link : %v (available : %v)", err, link.Interfaces())
	}
	opts := []network.Option{network.WithLogger(logger)}
	opt, closer, err := openOperator(ctx, cfg.Operator, logger)
	if err != nil {
		logger.Fatalf("operator : %v", err)
	}
	if opt != nil {
		opts = append(opts, opt)
		defer closer.Close()
	}
	n, err := network.New(bus, cfg, opts...)
	if err != nil {
		logger.Fatalf("network : %v", err)
	}
	if err := n.Connect(ctx); err != nil {
		logger.Fatalf("connect : %v", err)
	}
	if err := n.Start(ctx); err != nil {
		logger.Fatalf("start : %v", err)
	}

	gateway := gwhttp.NewGatewayServer(n, logger)
	go func() {
		if err := gateway.ListenAndServe(cfg.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http gateway stopped : %v", err)
			stop()
		}
	}()

	if err := n.Bringup(ctx, targetState); err != nil {
		logger.Errorf("bringup to %v : %v", targetState, err)
	} else {
		logger.Infof("network is %v", n.State())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http gateway shutdown : %v", err)
	}
	n.Disconnect()

	if *reportPath != "" {
		if err := report.SavePDF(report.FromNetwork(n, time.Now()), *reportPath); err != nil {
			logger.Errorf("report : %v", err)
			os.Exit(1)
		}
		logger.Infof("report written to %v", *reportPath)
	}
}
