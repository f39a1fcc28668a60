// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api is the HTTP shell: a REST adapter around the core services
// plus a websocket feed of the event bus. It holds no domain state of its
// own; every handler validates input, calls into one of the services and
// renders the result in the response envelope.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/httpclient"
	"github.com/longbox/longbox/lib/logger"
	"github.com/longbox/longbox/lib/svcutil"
	"github.com/longbox/longbox/lib/tasks"
)

// defaultPageSize is the page size of the paged list endpoints when the
// request names none.
const defaultPageSize = 20

type Service interface {
	suture.Service
	fmt.Stringer
	WaitForStart() error
}

type service struct {
	listen     string
	deps       tasks.Deps
	web        *httpclient.Client
	mgr        *tasks.Manager
	planner    *tasks.Planner
	massEditor *tasks.MassEditor
	systemLog  logger.Recorder
	startTime  time.Time

	started      chan string   // signals startup complete by sending the listener address, for testing only
	startedOnce  chan struct{} // the service has started successfully at least once
	startupErr   error
	listenerAddr net.Addr
	exitChan     chan *svcutil.FatalErr

	keyMut      sync.Mutex
	lastKey     string
	expiredKeys map[string]struct{}
}

func New(listen string, deps tasks.Deps, web *httpclient.Client, mgr *tasks.Manager, planner *tasks.Planner, massEditor *tasks.MassEditor, systemLog logger.Recorder) Service {
	return &service{
		listen:      listen,
		deps:        deps,
		web:         web,
		mgr:         mgr,
		planner:     planner,
		massEditor:  massEditor,
		systemLog:   systemLog,
		startTime:   time.Now(),
		startedOnce: make(chan struct{}),
		exitChan:    make(chan *svcutil.FatalErr, 1),
		expiredKeys: make(map[string]struct{}),
	}
}

func (s *service) WaitForStart() error {
	<-s.startedOnce
	return s.startupErr
}

func (s *service) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		select {
		case <-s.startedOnce:
			// We let this be a loud user-visible warning as it may be the
			// only indication the user gets that the API won't be available.
			l.Warnln("Starting API:", err)
		default:
			// This is during initialization. A failure here is fatal as
			// there is no other way to communicate with us anyway.
			s.startupErr = err
			close(s.startedOnce)
		}
		return err
	}

	s.listenerAddr = listener.Addr()
	defer listener.Close()

	srv := http.Server{
		Handler:     s.handler(),
		ReadTimeout: 15 * time.Second,
		// Prevent the HTTP server from logging stuff on its own. The things
		// we care about we log ourselves from the handlers.
		ErrorLog: log.New(io.Discard, "", 0),
	}

	l.Infoln("API listening on", listener.Addr())
	if s.started != nil {
		// only set when run by the tests
		select {
		case <-ctx.Done(): // Shouldn't return directly due to cleanup below
		case s.started <- listener.Addr().String():
		}
	}

	select {
	case <-s.startedOnce:
	default:
		close(s.startedOnce)
	}

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	err = nil
	select {
	case <-ctx.Done():
		l.Debugln("shutting down (stop)")
	case fatal := <-s.exitChan:
		err = fatal
	case err = <-serveError:
		l.Warnln("API:", err, "(restarting)")
	}
	// Give the server a moment to finish in-flight responses, e.g. the one
	// that requested the shutdown.
	timeout, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(timeout); err == timeout.Err() {
		srv.Close()
	}

	return err
}

// Complete implements suture.IsCompletable, which signifies to the
// supervisor whether to stop restarting the service.
func (s *service) Complete() bool {
	select {
	case <-s.startedOnce:
		return s.startupErr != nil
	default:
	}
	return false
}

func (s *service) String() string {
	return fmt.Sprintf("api.service@%p", s)
}

// fatal hands the error to the serve loop, which returns it and thereby
// takes the whole supervision tree down.
func (s *service) fatal(err *svcutil.FatalErr) {
	// s.exitChan is 1-buffered and whoever is first gets handled.
	select {
	case s.exitChan <- err:
	default:
	}
}

func (s *service) handler() http.Handler {
	restMux := httprouter.New()

	// The GET handlers
	restMux.HandlerFunc(http.MethodGet, "/api/system/about", s.getSystemAbout)                   // -
	restMux.HandlerFunc(http.MethodGet, "/api/system/logs", s.getSystemLogs)                     // -
	restMux.HandlerFunc(http.MethodGet, "/api/system/tasks", s.getTasks)    // -
	restMux.HandlerFunc(http.MethodGet, "/api/system/tasks/:id", s.getTask) // also history, planning
	restMux.HandlerFunc(http.MethodGet, "/api/settings", s.getSettings)                          // -
	restMux.HandlerFunc(http.MethodGet, "/api/settings/availableformats", s.getAvailableFormats) // -
	restMux.HandlerFunc(http.MethodGet, "/api/rootfolder", s.getRootFolders)                     // -
	restMux.HandlerFunc(http.MethodGet, "/api/rootfolder/:id", s.getRootFolder)                  // -
	restMux.HandlerFunc(http.MethodGet, "/api/libraryimport", s.getLibraryImport)                // [limit] [limit_parent_folder] [only_english] [folder_filter]
	restMux.HandlerFunc(http.MethodGet, "/api/volumes", s.getVolumes)    // [query]
	restMux.HandlerFunc(http.MethodGet, "/api/volumes/:id", s.getVolume) // also search, stats
	restMux.HandlerFunc(http.MethodGet, "/api/volumes/:id/cover", s.getVolumeCover)              // -
	restMux.HandlerFunc(http.MethodGet, "/api/volumes/:id/rename", s.getVolumeRename)            // -
	restMux.HandlerFunc(http.MethodGet, "/api/volumes/:id/convert", s.getVolumeConvert)          // -
	restMux.HandlerFunc(http.MethodGet, "/api/volumes/:id/manualsearch", s.getVolumeManualSearch) // -
	restMux.HandlerFunc(http.MethodGet, "/api/issues/:id", s.getIssue)                           // -
	restMux.HandlerFunc(http.MethodGet, "/api/issues/:id/rename", s.getIssueRename)              // -
	restMux.HandlerFunc(http.MethodGet, "/api/issues/:id/convert", s.getIssueConvert)            // -
	restMux.HandlerFunc(http.MethodGet, "/api/issues/:id/manualsearch", s.getIssueManualSearch)  // -
	restMux.HandlerFunc(http.MethodGet, "/api/activity/queue", s.getQueue)                       // -
	restMux.HandlerFunc(http.MethodGet, "/api/activity/queue/:id", s.getQueueEntry)              // -
	restMux.HandlerFunc(http.MethodGet, "/api/activity/history", s.getDownloadHistory)           // [volume_id] [offset]
	restMux.HandlerFunc(http.MethodGet, "/api/activity/folder", s.getDownloadFolder)             // -
	restMux.HandlerFunc(http.MethodGet, "/api/blocklist", s.getBlocklist)                        // [offset]
	restMux.HandlerFunc(http.MethodGet, "/api/blocklist/:id", s.getBlocklistEntry)               // -
	restMux.HandlerFunc(http.MethodGet, "/api/credentials", s.getCredentials)                    // -
	restMux.HandlerFunc(http.MethodGet, "/api/credentials/:id", s.getCredential)                 // -
	restMux.HandlerFunc(http.MethodGet, "/api/externalclients", s.getExternalClients)    // -
	restMux.HandlerFunc(http.MethodGet, "/api/externalclients/:id", s.getExternalClient) // also options
	restMux.HandlerFunc(http.MethodGet, "/api/files/:id", s.getFile)                             // -
	restMux.HandlerFunc(http.MethodGet, "/api/events", s.getEvents)                              // [events]

	// The POST handlers
	restMux.HandlerFunc(http.MethodPost, "/api/auth", s.postAuth)                              // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/auth/check", s.postAuthCheck)                   // -
	restMux.HandlerFunc(http.MethodPost, "/api/system/tasks", s.postTask)                      // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/system/power/shutdown", s.postPowerShutdown)    // -
	restMux.HandlerFunc(http.MethodPost, "/api/system/power/restart", s.postPowerRestart)      // -
	restMux.HandlerFunc(http.MethodPost, "/api/settings/api_key", s.postSettingsAPIKey)        // -
	restMux.HandlerFunc(http.MethodPost, "/api/rootfolder", s.postRootFolder)                  // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/libraryimport", s.postLibraryImport)            // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/volumes", s.postVolume)                         // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/volumes/:id/rename", s.postVolumeRename)        // [<body>]
	restMux.HandlerFunc(http.MethodPost, "/api/volumes/:id/convert", s.postVolumeConvert)      // [<body>]
	restMux.HandlerFunc(http.MethodPost, "/api/volumes/:id/download", s.postVolumeDownload)    // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/issues/:id/rename", s.postIssueRename)          // -
	restMux.HandlerFunc(http.MethodPost, "/api/issues/:id/convert", s.postIssueConvert)        // -
	restMux.HandlerFunc(http.MethodPost, "/api/issues/:id/download", s.postIssueDownload)      // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/activity/queue", s.postQueue)                   // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/blocklist", s.postBlocklist)                    // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/credentials", s.postCredential)                 // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/externalclients", s.postExternalClient)         // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/externalclients/test", s.postExternalClientTest) // <body>
	restMux.HandlerFunc(http.MethodPost, "/api/masseditor", s.postMassEditor)                  // <body>

	// The PUT handlers
	restMux.HandlerFunc(http.MethodPut, "/api/settings", s.putSettings)                  // <body>
	restMux.HandlerFunc(http.MethodPut, "/api/rootfolder/:id", s.putRootFolder)          // <body>
	restMux.HandlerFunc(http.MethodPut, "/api/volumes/:id", s.putVolume)                 // <body>
	restMux.HandlerFunc(http.MethodPut, "/api/issues/:id", s.putIssue)                   // <body>
	restMux.HandlerFunc(http.MethodPut, "/api/activity/queue/:id", s.putQueueEntry)      // <body>
	restMux.HandlerFunc(http.MethodPut, "/api/externalclients/:id", s.putExternalClient) // <body>

	// The DELETE handlers
	restMux.HandlerFunc(http.MethodDelete, "/api/settings", s.deleteSettings)                   // key
	restMux.HandlerFunc(http.MethodDelete, "/api/system/tasks/:id", s.deleteTask)               // also history
	restMux.HandlerFunc(http.MethodDelete, "/api/rootfolder/:id", s.deleteRootFolder)           // -
	restMux.HandlerFunc(http.MethodDelete, "/api/volumes/:id", s.deleteVolume)                  // [delete_folder]
	restMux.HandlerFunc(http.MethodDelete, "/api/activity/queue", s.deleteQueue)                // -
	restMux.HandlerFunc(http.MethodDelete, "/api/activity/queue/:id", s.deleteQueueEntry)       // [blocklist]
	restMux.HandlerFunc(http.MethodDelete, "/api/activity/history", s.deleteDownloadHistory)    // [volume_id]
	restMux.HandlerFunc(http.MethodDelete, "/api/activity/folder", s.deleteDownloadFolder)      // -
	restMux.HandlerFunc(http.MethodDelete, "/api/blocklist", s.deleteBlocklist)                 // -
	restMux.HandlerFunc(http.MethodDelete, "/api/blocklist/:id", s.deleteBlocklistEntry)        // -
	restMux.HandlerFunc(http.MethodDelete, "/api/credentials/:id", s.deleteCredential)          // -
	restMux.HandlerFunc(http.MethodDelete, "/api/externalclients/:id", s.deleteExternalClient)  // -
	restMux.HandlerFunc(http.MethodDelete, "/api/files/:id", s.deleteFile)                      // -

	apiHandler := s.apiKeyMiddleware(noCacheMiddleware(metricsMiddleware(restMux)))
	apiHandler = debugMiddleware(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// apiKeyMiddleware refuses requests that don't carry the API key, in the
// X-Api-Key header or the api_key query parameter. Only the login endpoint
// is exempt; it is what hands the key out.
func (s *service) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		current := s.deps.Config.Raw().APIKey
		s.recordKey(current)
		if key == "" || key != current {
			metricAuthFailuresTotal.Inc()
			if s.keyExpired(key) {
				sendError(w, errdef.New(errdef.ApiKeyExpired, "retired API key"))
			} else {
				sendError(w, errdef.New(errdef.ApiKeyInvalid, "missing or wrong API key"))
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordKey notices key rotations so that a retired key can be told apart
// from a key that was never valid.
func (s *service) recordKey(current string) {
	s.keyMut.Lock()
	defer s.keyMut.Unlock()
	if current == s.lastKey {
		return
	}
	if s.lastKey != "" {
		s.expiredKeys[s.lastKey] = struct{}{}
	}
	s.lastKey = current
}

func (s *service) keyExpired(key string) bool {
	s.keyMut.Lock()
	defer s.keyMut.Unlock()
	_, ok := s.expiredKeys[key]
	return ok
}

func noCacheMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		h.ServeHTTP(w, r)
	})
}

func metricsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		metricRequestsTotal.WithLabelValues(r.Method).Inc()
		metricRequestSeconds.Observe(time.Since(t0).Seconds())
	})
}

func debugMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		if shouldDebugHTTP() {
			l.Debugf("http: %s %q in %.02f ms", r.Method, r.URL.String(), 1000*time.Since(t0).Seconds())
		}
	})
}

// sendResult writes the success envelope around result.
func sendResult(w http.ResponseWriter, status int, result any) {
	if result == nil {
		result = struct{}{}
	}
	bs, err := json.MarshalIndent(map[string]any{"error": nil, "result": result}, "", "  ")
	if err != nil {
		// Domain values marshal; anything else here is a programming error.
		bs, _ = json.Marshal(map[string]any{"error": err.Error(), "result": struct{}{}})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s\n", bs)
}

// sendError writes the error envelope. The error kind decides the status
// code and the user-visible error name; errors without a kind are internal.
func sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	name := "InternalError"
	if kind := errdef.KindOf(err); kind != nil {
		status = kind.Status()
		name = kind.Name()
	}
	l.Debugln("API error:", err)
	bs, _ := json.MarshalIndent(map[string]any{"error": name, "result": struct{}{}}, "", "  ")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s\n", bs)
}

// decodeBody unmarshals the request body into v. An empty body is
// InvalidKeyValue; callers with optional bodies check ContentLength first.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdef.New(errdef.InvalidKeyValue, "reading request body: %v", err)
	}
	return nil
}

// pathParam returns the raw :id path parameter. Some handlers dispatch on
// literal names sharing the wildcard slot before parsing an integer.
func pathParam(r *http.Request) string {
	return httprouter.ParamsFromContext(r.Context()).ByName("id")
}

// pathID returns the :id path parameter as an integer.
func pathID(r *http.Request) (int64, error) {
	raw := pathParam(r)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errdef.New(errdef.InvalidKeyValue, "id: %q is not an integer", raw)
	}
	return id, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errdef.New(errdef.InvalidKeyValue, "%s: %q is not a non-negative integer", name, v)
	}
	return n, nil
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errdef.New(errdef.InvalidKeyValue, "%s: %q is not a boolean", name, v)
	}
	return b, nil
}

// emptySlice keeps list results rendering as [] instead of null.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
