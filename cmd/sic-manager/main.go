// Package main runs a component manager: the per-device process that brings
// components to life when applications ask for them.
//
// The manager connects to the shared Redis broker, announces itself on the
// device channel and then serves start, stop and ping requests until it is
// told to shut down, either by a stop request on the bus or by SIGINT or
// SIGTERM.
//
// Usage:
//
//	sic-manager [config.yaml]
//
// Without a config file the broker location comes from the DB_IP, DB_PASS
// and DB_SSL_CA environment variables, defaulting to a local unsecured
// Redis.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/social-interaction-cloud/sic-go/public/component"
	"github.com/social-interaction-cloud/sic-go/public/examples"
	"github.com/social-interaction-cloud/sic-go/public/manager"
)

func main() {
	configPath := ""
	if len(os.Args) >= 2 {
		configPath = os.Args[1]
	}

	cfg, err := manager.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	m, err := manager.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("connect to broker: %v", err)
	}

	m.Register("EchoService", func() component.Handler {
		return component.Service(examples.EchoService{})
	})
	m.Register("UppercaseService", func() component.Handler {
		return component.Service(examples.UppercaseService{})
	})
	m.Register("ClockSensor", func() component.Handler {
		return component.Sensor(&examples.ClockSensor{})
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received %s, shutting down", sig)
		m.Shutdown()
	}()

	if err := m.Serve(); err != nil {
		log.Fatalf("serve device channel: %v", err)
	}
}
