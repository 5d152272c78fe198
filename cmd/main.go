// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/config"
	"github.com/mochi-mqtt/engine/hooks/auth"
	"github.com/mochi-mqtt/engine/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	healthAddr := flag.String("healthcheck", "", "network address for the healthcheck listener, disabled if empty")
	path := flag.String("config", "", "path to a yaml or json config file, replacing the listener flags")
	level := flag.String("level", "info", "log level, one of debug, info, warn or error")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	color.Magenta("Mochi MQTT Engine initializing...")

	logger := slog.New(newConsoleHandler(os.Stdout, parseLevel(*level)))

	opts := &mqtt.Options{
		InlineClient: true,
	}

	if *path != "" {
		fo, err := config.FromFile(*path)
		if err != nil {
			log.Fatal(err)
		}

		if fo != nil {
			opts = fo
		}
	} else {
		opts.Hooks = []mqtt.HookLoadConfig{{Hook: new(auth.AllowHook)}}
		opts.Listeners = defaultListeners(*tcpAddr, *wsAddr, *infoAddr, *healthAddr)
	}

	opts.Logger = logger
	engine := mqtt.New(opts)

	go func() {
		err := engine.Serve()
		if err != nil {
			log.Fatal(err)
		}
	}()

	color.New(color.BgMagenta).Println("  Started!  ")

	<-done
	color.New(color.BgRed).Println("  Caught Signal  ")

	_ = engine.Close()
	color.New(color.BgGreen).Println("  Finished  ")
}

// defaultListeners returns the listeners started when no config file is given.
func defaultListeners(tcpAddr, wsAddr, infoAddr, healthAddr string) []listeners.Config {
	configs := []listeners.Config{
		{Type: listeners.TypeTCP, ID: "t1", Address: tcpAddr},
		{Type: listeners.TypeWS, ID: "ws1", Address: wsAddr},
		{Type: listeners.TypeSysInfo, ID: "stats", Address: infoAddr},
	}

	if healthAddr != "" {
		configs = append(configs, listeners.Config{Type: listeners.TypeHealthCheck, ID: "health", Address: healthAddr})
	}

	return configs
}
