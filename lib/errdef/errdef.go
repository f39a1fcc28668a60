// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package errdef declares the error kinds shared between the core packages
// and the API shell. Each kind carries the user visible name and the HTTP
// status it translates to; the shell is the only place that looks at the
// status.
package errdef

import (
	"errors"
	"fmt"
	"net/http"
)

// A Kind identifies a class of error. Kinds are compared with errors.Is and
// extracted with KindOf.
type Kind struct {
	name   string
	status int
}

func (k *Kind) Error() string { return k.name }

func (k *Kind) Name() string { return k.name }

func (k *Kind) Status() int { return k.status }

func notFound(name string) *Kind { return &Kind{name, http.StatusNotFound} }

func badRequest(name string) *Kind { return &Kind{name, http.StatusBadRequest} }

var (
	// Not found.
	VolumeNotFound         = notFound("VolumeNotFound")
	IssueNotFound          = notFound("IssueNotFound")
	FileNotFound           = notFound("FileNotFound")
	FolderNotFound         = notFound("FolderNotFound")
	RootFolderNotFound     = notFound("RootFolderNotFound")
	TaskNotFound           = notFound("TaskNotFound")
	DownloadNotFound       = notFound("DownloadNotFound")
	BlocklistEntryNotFound = notFound("BlocklistEntryNotFound")
	CredentialNotFound     = notFound("CredentialNotFound")
	ExternalClientNotFound = notFound("ExternalClientNotFound")
	LogFileNotFound        = notFound("LogFileNotFound")
	KeyNotFound            = notFound("KeyNotFound")

	// Conflict or in use.
	RootFolderInUse      = badRequest("RootFolderInUse")
	RootFolderInvalid    = badRequest("RootFolderInvalid")
	VolumeAlreadyAdded   = badRequest("VolumeAlreadyAdded")
	VolumeDownloadedFor  = badRequest("VolumeDownloadedFor")
	TaskForVolumeRunning = badRequest("TaskForVolumeRunning")
	TaskNotDeletable     = badRequest("TaskNotDeletable")
	ClientDownloading    = badRequest("ClientDownloading")
	DownloadUnmovable    = badRequest("DownloadUnmovable")

	// Bad input.
	InvalidKeyValue            = badRequest("InvalidKeyValue")
	InvalidSettingKey          = badRequest("InvalidSettingKey")
	InvalidSettingValue        = badRequest("InvalidSettingValue")
	InvalidSettingModification = badRequest("InvalidSettingModification")

	// External collaborators.
	CVRateLimitReached    = &Kind{"CVRateLimitReached", 509}
	InvalidComicVineKey   = badRequest("InvalidComicVineApiKey")
	VolumeNotMatched      = notFound("VolumeNotMatched")
	CredentialInvalid     = badRequest("CredentialInvalid")
	ClientNotWorking      = badRequest("ClientNotWorking")
	ExternalClientWedged  = badRequest("ExternalClientNotWorking")
	LinkBroken            = badRequest("LinkBroken")
	FailedGCPage          = badRequest("FailedGCPage")
	DownloadLimitReached  = badRequest("DownloadLimitReached")

	// Shell level.
	ApiKeyInvalid   = &Kind{"ApiKeyInvalid", http.StatusUnauthorized}
	ApiKeyExpired   = &Kind{"ApiKeyExpired", http.StatusUnauthorized}
	PasswordInvalid = &Kind{"PasswordInvalid", http.StatusUnauthorized}
)

// An Error is a Kind with context. It unwraps to both its kind and its
// cause, so errors.Is(err, errdef.VolumeNotFound) matches wrapped chains.
type Error struct {
	kind *Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.err != nil:
		return fmt.Sprintf("%s: %s: %v", e.kind.name, e.msg, e.err)
	case e.msg != "":
		return e.kind.name + ": " + e.msg
	case e.err != nil:
		return e.kind.name + ": " + e.err.Error()
	default:
		return e.kind.name
	}
}

func (e *Error) Unwrap() []error {
	if e.err != nil {
		return []error{e.kind, e.err}
	}
	return []error{e.kind}
}

func (e *Error) Kind() *Kind { return e.kind }

// New returns an error of the given kind with a detail message.
func New(k *Kind, format string, args ...any) error {
	return &Error{kind: k, msg: fmt.Sprintf(format, args...)}
}

// Bare returns an error that is just the kind, no detail.
func Bare(k *Kind) error {
	return &Error{kind: k}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(k *Kind, err error) error {
	return &Error{kind: k, err: err}
}

// KindOf returns the kind of err, or nil when err carries none.
func KindOf(err error) *Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	var k *Kind
	if errors.As(err, &k) {
		return k
	}
	return nil
}
