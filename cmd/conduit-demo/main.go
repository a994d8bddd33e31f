// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Command conduit-demo is a minimal host binary: it registers two
// actions and one page (with a child action) against a stub service
// endpoint, demonstrating
// the wiring an application assembles on top of this SDK.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/conduit-sh/conduit-sdk-go/component"
	"github.com/conduit-sh/conduit-sdk-go/conduit"
	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/routes"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conduit-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		endpoint string
		apiKey   string
		verbose  bool
	)

	flagSet := pflag.NewFlagSet("conduit-demo", pflag.ContinueOnError)
	flagSet.StringVar(&endpoint, "endpoint", "localhost:8443", "host:port of the conduit service")
	flagSet.StringVar(&apiKey, "api-key", os.Getenv("CONDUIT_API_KEY"), "API key for the service")
	flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg := conduit.NewConfig()
	cfg.Endpoint = endpoint
	cfg.APIKey = apiKey
	cfg.VerboseMessageLogs = verbose
	cfg.ComponentRegistry = demoComponents
	cfg.OnError = func(ec conduit.ErrorContext) {
		slog.Error("action handler failed", "transactionId", ec.TransactionID, "actionSlug", ec.ActionSlug, "error", ec.Error)
	}

	client, err := conduit.New(cfg)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	client.RegisterRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "hello", DisplayResolvesImmediately: true, Handler: helloAction}},
		{Action: &routes.Action{Slug: "onboarding/collect_info", Handler: collectInfoAction}},
		{Page: &routes.Page{
			Slug: "dashboard",
			Name: "Dashboard",
			Children: []routes.Route{
				{Action: &routes.Action{Slug: "refresh", DisplayResolvesImmediately: true, Handler: helloAction}},
			},
		}},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return client.Run(ctx)
}

// demoComponents is the reference ComponentRegistry this binary uses
// in place of a real product component catalog, which is out of scope
// for this SDK.
var demoComponents = buildDemoComponents()

func buildDemoComponents() *component.Registry {
	textSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{"type": "string"},
		},
	}
	registry := component.NewRegistry()
	propsSchema, err := component.CompileSchema("conduit-demo://display_markdown/props", map[string]any{"type": "object"})
	if err == nil {
		registry.Register("DISPLAY_MARKDOWN", component.MethodSpec{PropsSchema: propsSchema})
	}
	returnSchema, err := component.CompileSchema("conduit-demo://input_text/return", textSchema)
	if err == nil {
		registry.Register("INPUT_TEXT", component.MethodSpec{ReturnSchema: returnSchema})
	}
	return registry
}

func helloAction(io *ioclient.Client, ctx *routes.Context) (any, error) {
	ctx.Log("starting hello action for", ctx.User.Email)
	_, err := io.Render(ctx.Base, ioclient.Component{
		MethodName:  "DISPLAY_MARKDOWN",
		Props:       map[string]any{"markdown": "# Hello from conduit-demo"},
		DisplayOnly: true,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"greeted": ctx.User.Email}, nil
}

func collectInfoAction(io *ioclient.Client, ctx *routes.Context) (any, error) {
	ctx.Loading.Start("Collecting info", "", 2)

	values, _, err := io.RenderGroup(ctx.Base, ioclient.Group{
		Components: []ioclient.Component{
			{MethodName: "INPUT_TEXT", Label: "First name"},
			{MethodName: "INPUT_TEXT", Label: "Last name"},
		},
		Validator: func(values []any) string {
			if len(values) > 0 && values[0] == "" {
				return "First name is required"
			}
			return ""
		},
	})
	if err != nil {
		return nil, err
	}
	ctx.Loading.CompleteOne()
	ctx.Loading.CompleteOne()

	return map[string]any{
		"firstName": values[0],
		"lastName":  values[1],
	}, nil
}
