package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"btaudio/internal/bluez"
	"btaudio/internal/config"
	"btaudio/internal/daemon"
	"btaudio/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	bus, err := bluez.Connect(time.Duration(cfg.Engine.RequestTimeout) * time.Second)
	if err != nil {
		logger.Error("connect to system bus", logging.Error(err))
		return
	}
	defer bus.Close()

	devices, err := bluez.NewRegistry(bus, cfg.Bluetooth.AdapterAddress, logger)
	if err != nil {
		logger.Error("build device registry", logging.Error(err))
		return
	}
	transport := bluez.NewTransport(bus, logger)

	d, err := daemon.New(cfg, devices, transport, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("btaudiod shutting down")
}
