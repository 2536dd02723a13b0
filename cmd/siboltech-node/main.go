package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/JFreitz/siboltech-node/internal/api"
	"github.com/JFreitz/siboltech-node/internal/config"
	"github.com/JFreitz/siboltech-node/internal/console"
	"github.com/JFreitz/siboltech-node/internal/controller"
	"github.com/JFreitz/siboltech-node/internal/datadog"
	"github.com/JFreitz/siboltech-node/internal/gpio"
	"github.com/JFreitz/siboltech-node/internal/logging"
	"github.com/JFreitz/siboltech-node/internal/netsync"
	"github.com/JFreitz/siboltech-node/internal/relay"
	"github.com/JFreitz/siboltech-node/internal/sensors"
	"github.com/JFreitz/siboltech-node/system/startup"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("device", cfg.DeviceID).
		Str("serial_port", cfg.SerialPort).
		Str("aggregator", cfg.APIBaseURL).
		Msg("Starting SIBOLTECH field node")

	if cfg.WriteBootAssets {
		if err := startup.WriteAll(&cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to write boot assets")
		}
		log.Info().
			Str("script", cfg.BootScriptFilePath).
			Str("pin_unit", cfg.OSServicePath).
			Str("node_unit", cfg.MainServicePath).
			Msg("Boot assets written")
		return
	}

	datadog.InitMetrics(cfg.StatsdAddr, cfg.StatsdNamespace, append(cfg.StatsdTags, "device:"+cfg.DeviceID))

	gpio.SetSafeMode(cfg.SafeMode)

	if cfg.RunBootScript {
		if err := startup.RunStartupScript(&cfg); err != nil {
			log.Fatal().Err(err).Str("script", cfg.BootScriptFilePath).Msg("Boot pin script failed")
		}
		log.Info().Str("script", cfg.BootScriptFilePath).Msg("Boot pin script applied")
	}

	pins := cfg.BankPins()
	if err := gpio.ValidateStartupPins(pins); err != nil {
		log.Fatal().Err(err).Msg("Refusing to start with unreadable relay pins")
	}

	cons, err := console.Open(cfg.SerialPort, cfg.SerialBaud)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.SerialPort).Msg("Failed to open serial console")
	}

	bank, err := relay.New(pins, cons)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay bank")
	}

	acquirer := sensors.New(sensors.Config{
		IIODevice:    cfg.IIODevice,
		TDSChannel:   *cfg.TDSChannel,
		PHChannel:    *cfg.PHChannel,
		DOChannel:    *cfg.DOChannel,
		ADCVref:      cfg.ADCVref,
		ADCMaxCounts: cfg.ADCMaxCounts,
		I2CBus:       cfg.I2CBus,
	})

	syncer := netsync.New(cfg.APIBaseURL, cfg.APIKey, cfg.DeviceID, cfg.HTTPTimeout())

	ctrl := controller.New(controller.Config{
		DeviceID:          cfg.DeviceID,
		PollInterval:      cfg.PollInterval(),
		UploadInterval:    cfg.UploadInterval(),
		ReconnectInterval: cfg.ReconnectInterval(),
		SensorInterval:    cfg.SensorInterval(),
	}, bank, acquirer, syncer, cons)

	if cfg.StatusAPIPort > 0 {
		server := api.NewServer(ctrl)
		go func() {
			if err := server.Start(cfg.StatusAPIPort); err != nil {
				log.Error().Err(err).Msg("Status API server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cons.Run()
	go syncer.Run(ctx)

	ctrl.Run(ctx)

	log.Info().Msg("Node stopped")
}
