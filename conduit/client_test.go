// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package conduit

import (
	"testing"

	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/routes"
)

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty Endpoint = nil error, want error")
	}
}

func TestNewSucceedsWithEndpointSet(t *testing.T) {
	cfg := NewConfig()
	cfg.Endpoint = "localhost:0"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client == nil {
		t.Fatal("New returned nil client with nil error")
	}
}

func TestRegisterRoutesDelegatesToRegistry(t *testing.T) {
	cfg := NewConfig()
	cfg.Endpoint = "localhost:0"
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.RegisterRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "hello", Handler: func(*ioclient.Client, *routes.Context) (any, error) { return nil, nil }}},
	})

	if _, ok := client.registry.Action("hello"); !ok {
		t.Error(`RegisterRoutes did not register action "hello"`)
	}
}
