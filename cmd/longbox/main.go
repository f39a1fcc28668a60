// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command longbox runs the comic library server: the REST API, the
// download queue and the periodic maintenance tasks, all backed by a
// single data directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	_ "github.com/longbox/longbox/lib/automaxprocs"
	"github.com/longbox/longbox/lib/build"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/locations"
	"github.com/longbox/longbox/lib/logger"
	"github.com/longbox/longbox/lib/longbox"
	"github.com/longbox/longbox/lib/svcutil"
)

var l = logger.DefaultLogger.NewFacility("main", "Command line and process lifecycle")

type cli struct {
	Home        string `help:"Data directory for the database, caches and logs" env:"LONGBOX_HOME" placeholder:"PATH"`
	Listen      string `help:"API listen address" default:"127.0.0.1:5656" env:"LONGBOX_LISTEN"`
	LogFile     string `help:"Log file name (use \"default\" for the data directory, \"-\" for stdout only)" default:"default" env:"LONGBOX_LOG_FILE" placeholder:"PATH"`
	Debug       string `help:"Comma separated list of debug facilities, or \"all\"" env:"LONGBOX_DEBUG" placeholder:"FACILITIES"`
	Verbose     bool   `help:"Narrate events as log lines" env:"LONGBOX_VERBOSE"`
	ResetAPIKey bool   `name:"reset-api-key" help:"Generate a new API key and exit"`
	Version     bool   `help:"Print version and exit"`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Name("longbox"),
		kong.Description("Comic library curator and downloader."))

	defer func() {
		if r := recover(); r != nil {
			writePanicLog(r)
			panic(r)
		}
	}()

	if params.Version {
		fmt.Println(build.LongVersion)
		return
	}

	if params.Home != "" {
		if err := locations.SetBaseDir(locations.DataBaseDir, params.Home); err != nil {
			l.Warnln("Setting data directory:", err)
			os.Exit(svcutil.ExitError.AsInt())
		}
	}

	setDebugFacilities(params.Debug)

	if params.ResetAPIKey {
		if err := resetAPIKey(); err != nil {
			l.Warnln("Resetting API key:", err)
			os.Exit(svcutil.ExitError.AsInt())
		}
		return
	}

	if params.LogFile == "default" {
		params.LogFile = locations.Get(locations.LogFile)
	}
	if params.LogFile != "-" && params.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(params.LogFile), 0o777); err != nil {
			l.Warnln("Creating log directory:", err)
			os.Exit(svcutil.ExitError.AsInt())
		}
		fw := logger.NewFileWriter(params.LogFile)
		logger.DefaultLogger.AddHandler(logger.LevelInfo, fw.Handle)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// The app asks for a restart by exiting with ExitRestart, for example
	// after the shutdown endpoint was called with restart semantics. We
	// just run it again in that case.
	for {
		app := longbox.New(longbox.Options{Listen: params.Listen, Verbose: params.Verbose})
		if err := app.Start(); err != nil {
			os.Exit(svcutil.ExitError.AsInt())
		}

		done := make(chan struct{})
		go func() {
			app.Wait()
			close(done)
		}()

		select {
		case sig := <-sigChan:
			l.Infoln("Received signal", sig, "- shutting down")
			app.Stop(svcutil.ExitSuccess)
		case <-done:
		}

		status := app.Wait()
		if err := app.Error(); err != nil {
			l.Warnln("Exiting:", err)
		}
		if status == svcutil.ExitRestart {
			l.Infoln("Restarting")
			continue
		}
		os.Exit(status.AsInt())
	}
}

// writePanicLog leaves a timestamped crash report in the data directory
// before the panic takes the process down.
func writePanicLog(r any) {
	path := locations.GetTimestamped(locations.PanicLog)
	body := fmt.Sprintf("Panic at %s: %v\n\n%s", time.Now().Format(time.RFC3339), r, debug.Stack())
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		l.Warnln("Writing panic log:", err)
		return
	}
	l.Warnln("Wrote panic log to", path)
}

// resetAPIKey rotates the stored API key outside of a running server, for
// when the key was lost.
func resetAPIKey() error {
	database, err := db.Open(locations.Get(locations.Database))
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	cfg, err := config.Load(ctx, database, nil)
	if err != nil {
		return err
	}
	settings, err := cfg.RegenerateAPIKey(ctx)
	if err != nil {
		return err
	}
	fmt.Println("New API key:", settings.APIKey)
	return nil
}

func setDebugFacilities(arg string) {
	if arg == "" {
		return
	}
	if arg == "all" {
		for fac := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(fac, true)
		}
		return
	}
	known := logger.DefaultLogger.Facilities()
	for _, fac := range strings.Split(arg, ",") {
		fac = strings.TrimSpace(fac)
		if _, ok := known[fac]; !ok {
			l.Warnln("Unknown debug facility:", fac)
			continue
		}
		logger.DefaultLogger.SetDebug(fac, true)
	}
}
