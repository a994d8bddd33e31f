// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package component

import "testing"

func propsSchema(t *testing.T, id string) *Registry {
	t.Helper()
	schema, err := CompileSchema(id, map[string]any{
		"type":     "object",
		"required": []string{"markdown"},
		"properties": map[string]any{
			"markdown": map[string]any{"type": "string"},
		},
	})
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	return NewRegistry().Register("DISPLAY_MARKDOWN", MethodSpec{PropsSchema: schema})
}

func TestParsePropsAcceptsValidPayload(t *testing.T) {
	r := propsSchema(t, "component-test://valid")

	v, err := r.ParseProps("DISPLAY_MARKDOWN", []byte(`{"markdown":"# hi"}`))
	if err != nil {
		t.Fatalf("ParseProps: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["markdown"] != "# hi" {
		t.Errorf("ParseProps = %+v, want markdown=# hi", v)
	}
}

func TestParsePropsRejectsMissingRequiredField(t *testing.T) {
	r := propsSchema(t, "component-test://invalid")

	if _, err := r.ParseProps("DISPLAY_MARKDOWN", []byte(`{}`)); err == nil {
		t.Error("ParseProps accepted payload missing required field")
	}
}

func TestParseUnknownMethodErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ParseProps("NOPE", []byte(`{}`)); err == nil {
		t.Error("ParseProps for unknown method = nil error, want error")
	}
}

func TestParseWithNilSchemaSkipsValidation(t *testing.T) {
	r := NewRegistry().Register("ANYTHING", MethodSpec{})
	v, err := r.ParseReturn("ANYTHING", []byte(`{"whatever":true}`))
	if err != nil {
		t.Fatalf("ParseReturn: %v", err)
	}
	if v.(map[string]any)["whatever"] != true {
		t.Errorf("ParseReturn = %+v", v)
	}
}

func TestParseEmptyRawTreatedAsNull(t *testing.T) {
	r := NewRegistry().Register("ANYTHING", MethodSpec{})
	v, err := r.ParseState("ANYTHING", nil)
	if err != nil {
		t.Fatalf("ParseState: %v", err)
	}
	if v != nil {
		t.Errorf("ParseState(nil) = %v, want nil", v)
	}
}

func TestComponentMethodNamesListsRegistered(t *testing.T) {
	r := NewRegistry().Register("A", MethodSpec{}).Register("B", MethodSpec{})
	names := r.ComponentMethodNames()
	if len(names) != 2 {
		t.Fatalf("ComponentMethodNames = %v, want 2 entries", names)
	}
}

func TestRegisterDuplicateMethodPanics(t *testing.T) {
	r := NewRegistry().Register("A", MethodSpec{})
	defer func() {
		if recover() == nil {
			t.Error("Register duplicate = no panic, want panic")
		}
	}()
	r.Register("A", MethodSpec{})
}
