package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/care/fingerprint/internal/config"
	"github.com/care/fingerprint/internal/transport"
)

// runSimulate connects to the broker as the sensor: commands are
// acknowledged and answered, and --detect-every emits detections of
// enrolled ids (or a no-match report when none are enrolled).
func runSimulate(args []string) error {
	flagSet := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "gateway configuration file for broker and topics")
	delay := flagSet.Duration("instruction-delay", time.Second, "pause between ACK and instruction")
	detectEvery := flagSet.Duration("detect-every", 0, "emit a detection at this interval (0: never)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = cfg.MQTT.ClientID + "-sim"
	ch := transport.NewMQTT(mqttCfg, cfg.MQTT.Topics.Command)
	sim := transport.NewDeviceSimulator(ch, cfg.MQTT.Topics, *delay)
	defer sim.Stop()

	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

	fmt.Fprintf(os.Stderr, "simulated sensor on %s, listening on %s\n", cfg.MQTT.Broker, cfg.MQTT.Topics.Command)

	if *detectEvery <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(*detectEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := emitDetection(sim); err != nil {
				slog.Warn("detection publish failed", "error", err)
			}
		}
	}
}

func emitDetection(sim *transport.DeviceSimulator) error {
	ids := sim.EnrolledIDs()
	if len(ids) == 0 {
		return sim.Reject()
	}
	return sim.Detect(ids[rand.Intn(len(ids))])
}
