package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/alarm"
	"github.com/samsamfire/canopen-drive/pkg/can"
	_ "github.com/samsamfire/canopen-drive/pkg/can/slcan"
	_ "github.com/samsamfire/canopen-drive/pkg/can/virtual"
	"github.com/samsamfire/canopen-drive/pkg/config"
	"github.com/samsamfire/canopen-drive/pkg/diag"
	"github.com/samsamfire/canopen-drive/pkg/lss"
	"github.com/samsamfire/canopen-drive/pkg/node"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
	"github.com/samsamfire/canopen-drive/pkg/platform"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "yaml configuration file")
	shell := flag.Bool("shell", false, "start the interactive debug shell")
	flag.Parse()

	if err := run(*configPath, *shell); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run(configPath string, shell bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	logger := log.NewEntry(log.StandardLogger())

	store, err := platform.OpenStore(cfg.Persistence.Backend, cfg.Persistence.Path)
	if err != nil {
		return err
	}

	// Settings stored by LSS win over the configuration file
	nodeId, bitTiming := cfg.NodeId, cfg.BitTiming
	if store != nil {
		stored, err := store.Load()
		switch {
		case err == nil:
			log.Infof("using stored node id %v and bit timing %v", stored.NodeId, stored.BitTiming)
			nodeId, bitTiming = stored.NodeId, stored.BitTiming
		case errors.Is(err, platform.ErrNotStored):
		default:
			log.Warnf("reading stored settings failed : %v", err)
		}
	}

	odict := od.Default()
	if cfg.EDS != "" {
		odict, err = od.Parse(cfg.EDS, 0)
		if err != nil {
			return fmt.Errorf("loading eds %v : %w", cfg.EDS, err)
		}
	}

	bus, err := newBus(cfg.Bus, bitTiming)
	if err != nil {
		return err
	}
	bm := canopen.NewBusManager(bus, logger)

	configurator := config.NewNodeConfigurator(odict, logger)
	var hw *platform.Platform
	hw = platform.New(logger, store, func(code uint8) {
		// Application reset : the configured values are written again
		if err := configurator.Apply(cfg); err != nil {
			log.Errorf("applying configuration after reset failed : %v", err)
			return
		}
		hw.SetStatus(platform.StatusFullyOperative)
	})
	defer hw.Close()

	settings := node.Settings{
		NodeId:       nodeId,
		BitTiming:    bitTiming,
		SdoTimeoutMs: cfg.SdoTimeoutMs,
		Capacity:     pdo.Capacity{Rx: cfg.PdoCapacity.Rx, Tx: cfg.PdoCapacity.Tx},
		SetBitRate: func(bitrate uint32) error {
			return switchBitRate(bm, cfg.Bus, bitrate)
		},
	}
	n, err := node.New(node.NewHost(bm, odict, alarm.NewTable(logger), hw), logger, settings)
	if err != nil {
		bus.Disconnect()
		return err
	}
	defer func() {
		n.Close()
		if bus := bm.Bus(); bus != nil {
			bus.Disconnect()
		}
	}()
	if err := configurator.Apply(cfg); err != nil {
		return err
	}
	// Communication objects were written, restart with them
	n.ResetCommunication()
	hw.SetStatus(platform.StatusFullyOperative)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DiagAddress != "" {
		server := diag.NewServer(n, logger)
		go func() {
			if err := server.ListenAndServe(cfg.DiagAddress); err != nil && err != diag.ErrServerClosed {
				log.Errorf("diagnostics server : %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}
	if shell {
		go startShell(n, stop)
	}
	return n.Run(ctx, cfg.CyclePeriod)
}

// Create and connect the bus. The bit rate is only given to serial
// adapters, other backends are configured by the OS.
func newBus(conf config.Bus, bitTiming uint8) (canopen.Bus, error) {
	bus, err := can.NewBus(conf.Interface, busChannel(conf, bitrate(bitTiming)))
	if err != nil {
		return nil, err
	}
	if err := bus.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %v %v : %w", conf.Interface, conf.Channel, err)
	}
	return bus, nil
}

func bitrate(bitTiming uint8) uint32 {
	if int(bitTiming) >= len(lss.Bitrates) {
		return 0
	}
	return lss.Bitrates[bitTiming]
}

func busChannel(conf config.Bus, bitrate uint32) string {
	if conf.Interface != "slcan" {
		return conf.Channel
	}
	port, _, _ := strings.Cut(conf.Channel, "@")
	return fmt.Sprintf("%v@%d", port, bitrate)
}

// Called by LSS while the transport is stopped : the bus is opened
// again with the new bit rate
func switchBitRate(bm *canopen.BusManager, conf config.Bus, bitrate uint32) error {
	if conf.Interface != "slcan" {
		log.Warnf("bit rate of %v must be set to %v by the OS, reconnecting", conf.Interface, bitrate)
	}
	if old := bm.Bus(); old != nil {
		if err := old.Disconnect(); err != nil {
			log.Warnf("disconnecting bus failed : %v", err)
		}
	}
	bus, err := can.NewBus(conf.Interface, busChannel(conf, bitrate))
	if err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	bm.SetBus(bus)
	return nil
}
