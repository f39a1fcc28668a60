// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package download

import (
	"context"
	"sort"
	"strings"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/httpclient"
)

// ClientDirect is the client kind of the built in HTTP downloader. Every
// other kind names an external client type.
const ClientDirect = "direct"

// A Status is a point in time report on one download, as seen by its
// client.
type Status struct {
	Size     int64
	Progress float64 // 0-100
	Speed    int64   // bytes per second
	State    comic.DownloadState
}

// A Client moves bytes for queue entries. Implementations keep no state the
// queue depends on across restarts: a re-added download yields a handle
// equivalent to the lost one.
type Client interface {
	// Add starts the download and returns the handle the other methods
	// address it by.
	Add(ctx context.Context, d *Download) (string, error)
	// Status reports on the download. A nil status with a nil error means
	// the client no longer knows the handle.
	Status(ctx context.Context, handle string) (*Status, error)
	// Delete removes the download from the client, and its files too when
	// deleteFiles is set.
	Delete(ctx context.Context, handle string, deleteFiles bool) error
}

// A Tester validates connection details without touching any download.
// Every external client type implements it.
type Tester interface {
	Test(ctx context.Context) error
}

// ClientConfig carries the connection details of an external client.
type ClientConfig struct {
	BaseURL  string
	Username *string
	Password *string
	APIToken *string
}

type clientBuilder func(web *httpclient.Client, cfg ClientConfig, folder func() string, timeout func() int) Client

// externalClientTypes maps the client type stored on an external client row
// to its adapter constructor.
var externalClientTypes = map[string]clientBuilder{
	"transmission": func(web *httpclient.Client, cfg ClientConfig, folder func() string, timeout func() int) Client {
		return newTransmission(web, cfg, folder, timeout)
	},
}

// ExternalClientOptions returns the supported external client types.
func ExternalClientOptions() []string {
	kinds := make([]string, 0, len(externalClientTypes))
	for kind := range externalClientTypes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func buildExternalClient(web *httpclient.Client, clientType string, cfg ClientConfig, folder func() string, timeout func() int) (Client, error) {
	build, ok := externalClientTypes[strings.ToLower(clientType)]
	if !ok {
		return nil, errdef.New(errdef.ClientNotWorking, "unknown client type %q", clientType)
	}
	return build(web, cfg, folder, timeout), nil
}

// TestExternalClient checks that an external client of the given type is
// reachable with the given connection details. CredentialInvalid when the
// client refuses the credentials, ClientNotWorking for everything else.
func TestExternalClient(ctx context.Context, web *httpclient.Client, clientType string, cfg ClientConfig) error {
	c, err := buildExternalClient(web, clientType, cfg, func() string { return "" }, func() int { return 0 })
	if err != nil {
		return err
	}
	return c.(Tester).Test(ctx)
}
