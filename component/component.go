// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package component is the ComponentRegistry external collaborator.
// The concrete set of component methods and their schemas belongs to
// the UI platform, not this SDK — this package provides a reference
// registry, backed by compiled JSON Schemas, that tests and the demo
// host use in place of the real catalog.
package component

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MethodSpec is everything the host needs to know about one component
// method: how to validate its props when rendering, its return value
// when the service resolves it, and the state payload a SET_STATE
// response carries.
type MethodSpec struct {
	PropsSchema  *jsonschema.Schema
	ReturnSchema *jsonschema.Schema
	StateSchema  *jsonschema.Schema
}

// Registry is a reference ComponentRegistry: a table of method schemas
// filled in by Register.
type Registry struct {
	methods map[string]MethodSpec
}

// NewRegistry returns an empty Registry; add methods with Register.
// Each entry's schemas may be nil to skip validation for that
// direction.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]MethodSpec)}
}

// Register adds methodName with already-compiled schemas. Panics on a
// duplicate method name, matching this SDK's fail-fast convention for
// static registration tables.
func (r *Registry) Register(methodName string, spec MethodSpec) *Registry {
	if _, exists := r.methods[methodName]; exists {
		panic(fmt.Sprintf("component: duplicate method %q", methodName))
	}
	r.methods[methodName] = spec
	return r
}

// CompileSchema compiles a JSON Schema document (as a Go value, e.g. a
// map[string]any or a struct) into a *jsonschema.Schema the rest of
// this package can validate against.
func CompileSchema(id string, document any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("component: marshaling schema %s: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(id, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("component: loading schema %s: %w", id, err)
	}
	schema, err := compiler.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("component: compiling schema %s: %w", id, err)
	}
	return schema, nil
}

// ComponentMethodNames implements the ComponentRegistry interface.
func (r *Registry) ComponentMethodNames() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// ParseProps validates raw against methodName's props schema and
// returns the decoded generic value.
func (r *Registry) ParseProps(methodName string, raw json.RawMessage) (any, error) {
	return r.parse(methodName, raw, func(spec MethodSpec) *jsonschema.Schema { return spec.PropsSchema })
}

// ParseReturn validates raw against methodName's return schema.
func (r *Registry) ParseReturn(methodName string, raw json.RawMessage) (any, error) {
	return r.parse(methodName, raw, func(spec MethodSpec) *jsonschema.Schema { return spec.ReturnSchema })
}

// ParseState validates raw against methodName's state schema.
func (r *Registry) ParseState(methodName string, raw json.RawMessage) (any, error) {
	return r.parse(methodName, raw, func(spec MethodSpec) *jsonschema.Schema { return spec.StateSchema })
}

func (r *Registry) parse(methodName string, raw json.RawMessage, pick func(MethodSpec) *jsonschema.Schema) (any, error) {
	spec, ok := r.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("component: unknown method %q", methodName)
	}

	var value any
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("component: decoding %s payload: %w", methodName, err)
	}

	schema := pick(spec)
	if schema == nil {
		return value, nil
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("component: %s failed schema validation: %w", methodName, err)
	}
	return value, nil
}
