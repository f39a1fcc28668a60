// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package longbox assembles the services into a running application: it
// opens the stores, builds the dependency graph and runs everything under
// one supervision tree.
package longbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/longbox/longbox/lib/api"
	"github.com/longbox/longbox/lib/build"
	"github.com/longbox/longbox/lib/comicvine"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/convert"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/download"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/httpclient"
	"github.com/longbox/longbox/lib/importer"
	"github.com/longbox/longbox/lib/library"
	"github.com/longbox/longbox/lib/locations"
	"github.com/longbox/longbox/lib/logger"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
	"github.com/longbox/longbox/lib/search"
	"github.com/longbox/longbox/lib/svcutil"
	"github.com/longbox/longbox/lib/tasks"
)

const (
	initialSystemLog = 10
	maxSystemLog     = 250

	webRetries = 3
	webBackoff = time.Second
	webTimeout = 30 * time.Second
)

type Options struct {
	// Listen is the API listen address, host:port.
	Listen string
	// Verbose narrates bus events as log lines.
	Verbose bool
}

type App struct {
	mainService       *suture.Supervisor
	cfg               *config.Wrapper
	database          *db.DB
	cvCache           *comicvine.Cache
	evLogger          events.Logger
	opts              Options
	exitStatus        svcutil.ExitStatus
	err               error
	stopOnce          sync.Once
	mainServiceCancel context.CancelFunc
	stopped           chan struct{}
}

func New(opts Options) *App {
	a := &App{
		opts:    opts,
		stopped: make(chan struct{}),
	}
	close(a.stopped) // Hasn't been started, so shouldn't block on Wait.
	return a
}

// Start executes the app and returns once all the startup operations are
// done, e.g. the API is ready for use. Must be called once only.
func (a *App) Start() error {
	// Create a main service manager. We'll add things to this as we go
	// along. We want any logging it does to go through our log system.
	spec := svcutil.SpecWithDebugLogger(l)
	a.mainService = suture.New("main", spec)

	// Start the supervisor and wait for it to stop to handle cleanup.
	a.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	a.mainServiceCancel = cancel
	errChan := a.mainService.ServeBackground(ctx)
	go a.wait(errChan)

	if err := a.startup(ctx); err != nil {
		a.stopWithErr(svcutil.ExitError, err)
		return err
	}

	return nil
}

func (a *App) startup(ctx context.Context) error {
	a.evLogger = events.NewLogger()
	a.mainService.Add(a.evLogger)
	if a.opts.Verbose {
		a.mainService.Add(newVerboseService(a.evLogger))
	}

	database, err := db.Open(locations.Get(locations.Database))
	if err != nil {
		l.Warnln("Opening database:", err)
		return err
	}
	a.database = database

	cfg, err := config.Load(ctx, database, a.evLogger)
	if err != nil {
		l.Warnln("Loading settings:", err)
		return err
	}
	a.cfg = cfg

	a.evLogger.Log(events.Starting, map[string]string{
		"home": locations.GetBaseDir(locations.DataBaseDir),
	})
	l.Infoln(build.LongVersion)

	systemLog := logger.NewRecorder(logger.DefaultLogger, logger.LevelDebug, maxSystemLog, initialSystemLog)

	if err := fsutil.CreateFolder(cfg.Raw().DownloadFolder); err != nil {
		l.Warnln("Creating download folder:", err)
		return err
	}

	// The challenge solver follows the settings; an unreachable solver is
	// not fatal, direct requests still work.
	solver := httpclient.NewFlareSolverr()
	if url := cfg.Raw().FlareSolverrBaseURL; url != "" {
		if err := solver.Enable(ctx, url); err != nil {
			l.Warnln("Connecting to FlareSolverr:", err)
		}
	}
	cfg.Subscribe(solver)

	web := httpclient.New(httpclient.Options{
		Retries:   webRetries,
		Backoff:   webBackoff,
		Timeout:   webTimeout,
		UserAgent: "Longbox/" + build.Version,
	}, solver)

	cvCache, err := comicvine.OpenCache(locations.Get(locations.CVCache))
	if err != nil {
		l.Warnln("Opening response cache:", err)
		return err
	}
	a.cvCache = cvCache
	cv := comicvine.New(cfg, web, cvCache)

	sc := scanner.New(cfg, database, a.evLogger)
	namer := naming.New(cfg, database, a.evLogger)
	conv := convert.New(cfg, database, sc, namer, a.evLogger)
	searcher := search.New(database, web)
	lib := library.New(cfg, database, cv, sc, namer, a.evLogger)
	imp := importer.New(cfg, database, cv, lib, sc, namer)

	queue := download.New(cfg, database, web, searcher, sc, namer, conv, a.evLogger)
	a.mainService.Add(queue)

	deps := tasks.Deps{
		Config:    cfg,
		DB:        database,
		Library:   lib,
		Importer:  imp,
		Scanner:   sc,
		Namer:     namer,
		Converter: conv,
		Searcher:  searcher,
		Queue:     queue,
		Events:    a.evLogger,
	}
	mgr := tasks.NewManager(database, a.evLogger)
	a.mainService.Add(mgr)
	planner := tasks.NewPlanner(deps, mgr)
	a.mainService.Add(planner)
	massEditor := tasks.NewMassEditor(deps)

	apiSvc := api.New(a.opts.Listen, deps, web, mgr, planner, massEditor, systemLog)
	a.mainService.Add(apiSvc)
	if err := apiSvc.WaitForStart(); err != nil {
		l.Warnln("Failed starting API:", err)
		return err
	}

	a.evLogger.Log(events.StartupComplete, map[string]string{
		"version": build.Version,
	})
	return nil
}

func (a *App) wait(errChan <-chan error) {
	err := <-errChan
	a.handleMainServiceError(err)

	// The stores are owned here, not by any service; close them once
	// everything that uses them has stopped.
	done := make(chan struct{})
	go func() {
		if a.cvCache != nil {
			a.cvCache.Close()
		}
		if a.database != nil {
			a.database.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(svcutil.ServiceTimeout):
		l.Warnln("Stores failed to close within", svcutil.ServiceTimeout)
	}

	l.Infoln("Exiting")

	close(a.stopped)
}

func (a *App) handleMainServiceError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatalErr *svcutil.FatalErr
	if errors.As(err, &fatalErr) {
		a.exitStatus = fatalErr.Status
		a.err = fatalErr.Err
		return
	}
	a.err = err
	a.exitStatus = svcutil.ExitError
}

// Wait blocks until the app stops running. Also returns if the app hasn't
// been started yet.
func (a *App) Wait() svcutil.ExitStatus {
	<-a.stopped
	return a.exitStatus
}

// Error returns an error if one occurred while running the app. It does not
// wait for the app to stop before returning.
func (a *App) Error() error {
	select {
	case <-a.stopped:
		return a.err
	default:
	}
	return nil
}

// Stop stops the app and sets its exit status to given reason, unless the
// app was already stopped before. In any case it returns the effective exit
// status.
func (a *App) Stop(stopReason svcutil.ExitStatus) svcutil.ExitStatus {
	return a.stopWithErr(stopReason, nil)
}

func (a *App) stopWithErr(stopReason svcutil.ExitStatus, err error) svcutil.ExitStatus {
	a.stopOnce.Do(func() {
		a.exitStatus = stopReason
		a.err = err
		if shouldDebug() {
			l.Debugln("Services before stop:")
			printServiceTree(os.Stdout, a.mainService, 0)
		}
		a.mainServiceCancel()
	})
	<-a.stopped
	return a.exitStatus
}

type supervisor interface{ Services() []suture.Service }

func printServiceTree(w io.Writer, sup supervisor, level int) {
	printService(w, sup, level)

	svcs := sup.Services()
	sort.Slice(svcs, func(a, b int) bool {
		return fmt.Sprint(svcs[a]) < fmt.Sprint(svcs[b])
	})

	for _, svc := range svcs {
		if sub, ok := svc.(supervisor); ok {
			printServiceTree(w, sub, level+1)
		} else {
			printService(w, svc, level+1)
		}
	}
}

func printService(w io.Writer, svc interface{}, level int) {
	type errorer interface{ Error() error }

	t := "-"
	if _, ok := svc.(supervisor); ok {
		t = "+"
	}
	fmt.Fprintln(w, strings.Repeat("  ", level), t, svc)
	if es, ok := svc.(errorer); ok {
		if err := es.Error(); err != nil {
			fmt.Fprintln(w, strings.Repeat("  ", level), "  ->", err)
		}
	}
}
