// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"
	"slices"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/download"
	"github.com/longbox/longbox/lib/errdef"
)

func (s *service) getCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.DB.Credentials(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(creds))
}

func (s *service) getCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	creds, err := s.deps.DB.Credentials(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	for _, c := range creds {
		if c.ID == id {
			sendResult(w, http.StatusOK, c)
			return
		}
	}
	sendError(w, errdef.New(errdef.CredentialNotFound, "credential %d", id))
}

func (s *service) postCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source   string  `json:"source"`
		Username *string `json:"username"`
		Email    *string `json:"email"`
		Password *string `json:"password"`
		APIKey   *string `json:"api_key"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.Source == "" {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "source is required"))
		return
	}

	cred := db.Credential{
		Source:   body.Source,
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		APIKey:   body.APIKey,
	}
	if err := s.deps.DB.AddCredential(r.Context(), &cred); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, cred)
}

func (s *service) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.DB.DeleteCredential(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

func (s *service) getExternalClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.deps.DB.ExternalClients(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(clients))
}

func (s *service) getExternalClient(w http.ResponseWriter, r *http.Request) {
	if pathParam(r) == "options" {
		s.getExternalClientOptions(w, r)
		return
	}
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	client, err := s.deps.DB.ExternalClient(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, client)
}

func (s *service) getExternalClientOptions(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, emptySlice(download.ExternalClientOptions()))
}

// externalClientBody is the shared POST and PUT body of an external client.
type externalClientBody struct {
	Type     string  `json:"client_type"`
	Title    string  `json:"title"`
	BaseURL  string  `json:"base_url"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	APIToken *string `json:"api_token"`
}

func (b externalClientBody) validate() error {
	if !slices.Contains(download.ExternalClientOptions(), b.Type) {
		return errdef.New(errdef.ClientNotWorking, "unknown client type %q", b.Type)
	}
	if b.BaseURL == "" {
		return errdef.New(errdef.InvalidKeyValue, "base_url is required")
	}
	return nil
}

func (s *service) postExternalClient(w http.ResponseWriter, r *http.Request) {
	var body externalClientBody
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		sendError(w, err)
		return
	}

	client := db.ExternalClient{
		Type:     body.Type,
		Title:    body.Title,
		BaseURL:  body.BaseURL,
		Username: body.Username,
		Password: body.Password,
		APIToken: body.APIToken,
	}
	if err := s.deps.DB.AddExternalClient(r.Context(), &client); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, client)
}

func (s *service) putExternalClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var body externalClientBody
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		sendError(w, err)
		return
	}

	client := db.ExternalClient{
		ID:       id,
		Type:     body.Type,
		Title:    body.Title,
		BaseURL:  body.BaseURL,
		Username: body.Username,
		Password: body.Password,
		APIToken: body.APIToken,
	}
	if err := s.deps.DB.UpdateExternalClient(r.Context(), client); err != nil {
		sendError(w, err)
		return
	}
	// Drop the cached connection so the next poll uses the new details.
	s.deps.Queue.ForgetExternalClient(id)
	sendResult(w, http.StatusOK, client)
}

func (s *service) deleteExternalClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.DB.DeleteExternalClient(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	s.deps.Queue.ForgetExternalClient(id)
	sendResult(w, http.StatusOK, nil)
}

// postExternalClientTest checks connectivity with the given details without
// storing anything.
func (s *service) postExternalClientTest(w http.ResponseWriter, r *http.Request) {
	var body externalClientBody
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		sendError(w, err)
		return
	}

	err := download.TestExternalClient(r.Context(), s.web, body.Type, download.ClientConfig{
		BaseURL:  body.BaseURL,
		Username: body.Username,
		Password: body.Password,
		APIToken: body.APIToken,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}
