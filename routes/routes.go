// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package routes implements RouteRegistry: it flattens a nested tree
// of actions and pages into slug-addressed handler maps, and notifies
// observers when the tree changes at runtime.
package routes

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/loadingstate"
)

// Access carries arbitrary authorization metadata for a route. Its
// shape is defined by the platform, not this SDK — the registry passes
// it through opaquely.
type Access map[string]any

// Context is the ctx half of a handler invocation: user, environment,
// organization, and params metadata assembled by the transaction
// runtime, plus the side-channel handles (loading, log, redirect). It
// lives in this package (rather than in a transaction package routes
// would have to import) so that both routes and transaction can refer
// to the same handler signature without an import cycle.
type Context struct {
	Base context.Context

	TransactionID string
	PageKey       string
	Action        ActionInfo
	Environment   string
	Organization  OrganizationInfo
	User          UserInfo
	Params        map[string]any
	ParamsMeta    map[string]any

	Loading *loadingstate.Tracker

	LogFunc      func(args ...any)
	RedirectFunc func(link string)
}

// Log ships an inline log line for the current transaction.
func (c *Context) Log(args ...any) {
	if c.LogFunc != nil {
		c.LogFunc(args...)
	}
}

// Redirect ships a redirect instruction for the current transaction.
func (c *Context) Redirect(link string) {
	if c.RedirectFunc != nil {
		c.RedirectFunc(link)
	}
}

// ActionInfo identifies the action being run.
type ActionInfo struct {
	Slug string
	URL  string
}

// OrganizationInfo and UserInfo carry the identity metadata the
// service attaches to START_TRANSACTION/OPEN_PAGE; their exact field
// set is a platform concern, kept generic here.
type OrganizationInfo struct {
	Name string
	Slug string
}

type UserInfo struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// ActionHandler is invoked with the transaction's IO client and
// context. It returns the action's result data (any shape; marshaled
// into ActionResult.Data by the transaction runtime) or an error.
type ActionHandler func(io *ioclient.Client, ctx *Context) (any, error)

// Layout is the value a page handler returns. Its structure belongs to
// the component/layout schema of the platform, out of scope for this
// SDK; it is carried opaquely.
type Layout any

// PageHandler is invoked for a page that defines its own layout.
type PageHandler func(io *ioclient.Client, ctx *Context) (Layout, error)

// Action is a leaf route: one invocable unit identified by its slug.
type Action struct {
	Slug     string
	Handler  ActionHandler
	Metadata map[string]any
	Access   Access

	// DisplayResolvesImmediately, when true, lets a render in this
	// action whose components are all display-only return as soon as
	// the render instruction has been sent, instead of waiting for the
	// service to acknowledge it with a RETURN. A render that mixes
	// display-only and interactive components still waits for the
	// RETURN. Display-only values are always nil either way.
	DisplayResolvesImmediately bool
}

// Page is a node in the route tree. It may have its own Handler
// (returning a Layout) and any number of child routes.
type Page struct {
	Slug     string
	Name     string
	Handler  PageHandler
	Access   Access
	Children []Route
}

// Route is a tagged variant: exactly one of Action or Page is set.
type Route struct {
	Action *Action
	Page   *Page
}

// Registry flattens a Route tree into slug-path-addressed action and
// page-handler maps, and notifies attached observers on every change.
type Registry struct {
	mu        sync.Mutex
	tree      []Route
	actions   map[string]*Action
	pageTable map[string]*Page

	observers map[string][]func()
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actions:   make(map[string]*Action),
		pageTable: make(map[string]*Page),
		observers: make(map[string][]func()),
		logger:    logger,
	}
}

// SetRoutes replaces the tree, re-flattens it, and notifies every
// attached observer. Duplicate slug-paths resolve last-write-wins with
// a logged warning.
func (r *Registry) SetRoutes(tree []Route) {
	actions := make(map[string]*Action)
	pages := make(map[string]*Page)

	var walk func(prefix string, routes []Route)
	walk = func(prefix string, routes []Route) {
		for i := range routes {
			route := routes[i]
			switch {
			case route.Action != nil:
				path := joinSlug(prefix, route.Action.Slug)
				if _, exists := actions[path]; exists {
					r.logger.Warn("routes: duplicate action slug-path, last write wins", "path", path)
				}
				actions[path] = route.Action
			case route.Page != nil:
				path := joinSlug(prefix, route.Page.Slug)
				if route.Page.Handler != nil {
					if _, exists := pages[path]; exists {
						r.logger.Warn("routes: duplicate page slug-path, last write wins", "path", path)
					}
					pages[path] = route.Page
				}
				walk(path, route.Page.Children)
			}
		}
	}
	walk("", tree)

	r.mu.Lock()
	r.tree = tree
	r.actions = actions
	r.pageTable = pages
	listeners := collectListeners(r.observers)
	r.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}

func collectListeners(observers map[string][]func()) []func() {
	var all []func()
	for _, slice := range observers {
		all = append(all, slice...)
	}
	return all
}

func joinSlug(prefix, slug string) string {
	if prefix == "" {
		return slug
	}
	return prefix + "/" + strings.TrimPrefix(slug, "/")
}

// Routes returns the raw tree last passed to SetRoutes.
func (r *Registry) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree
}

// Action returns the action registered at slug-path, if any.
func (r *Registry) Action(slugPath string) (*Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[slugPath]
	return a, ok
}

// Page returns the page handler registered at slug-path, if any.
func (r *Registry) Page(slugPath string) (*Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pageTable[slugPath]
	return p, ok
}

// Actions returns a snapshot of every registered action, keyed by
// slug-path.
func (r *Registry) Actions() map[string]*Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Action, len(r.actions))
	for k, v := range r.actions {
		out[k] = v
	}
	return out
}

// Pages returns a snapshot of every registered page handler, keyed by
// slug-path.
func (r *Registry) Pages() map[string]*Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Page, len(r.pageTable))
	for k, v := range r.pageTable {
		out[k] = v
	}
	return out
}

// Attach registers listener under token. A later call to Detach(token)
// removes every listener attached under that token in one call.
func (r *Registry) Attach(token string, listener func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[token] = append(r.observers[token], listener)
}

// Detach removes every listener attached under token.
func (r *Registry) Detach(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, token)
}
