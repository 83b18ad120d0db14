package handler

import (
	"testing"

	"google.golang.org/grpc/status"
)

func echoDef() ServiceDefinition {
	id := func(b []byte) (any, error) { return b, nil }
	idS := func(v any) ([]byte, error) { return v.([]byte), nil }
	return ServiceDefinition{
		"Echo": {
			Path:                "/demo.S/Echo",
			RequestStream:       false,
			ResponseStream:      false,
			RequestSerialize:    idS,
			RequestDeserialize:  id,
			ResponseSerialize:   idS,
			ResponseDeserialize: id,
		},
	}
}

func TestShapeOf(t *testing.T) {
	cases := []struct {
		reqStream, respStream bool
		want                  Shape
	}{
		{false, false, Unary},
		{true, false, ClientStream},
		{false, true, ServerStream},
		{true, true, Bidi},
	}
	for _, c := range cases {
		if got := ShapeOf(c.reqStream, c.respStream); got != c.want {
			t.Errorf("ShapeOf(%v,%v) = %v, want %v", c.reqStream, c.respStream, got, c.want)
		}
	}
}

func TestRegisterRejectsDuplicatePath(t *testing.T) {
	r := NewRegistry()
	h := &Handler{Shape: Unary}
	if !r.Register("/a", h) {
		t.Fatal("first Register should succeed")
	}
	if r.Register("/a", h) {
		t.Fatal("second Register of same path should fail")
	}
	if _, ok := r.Lookup("/a"); !ok {
		t.Fatal("handler map should still contain /a")
	}
}

func TestUnregisterThenLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("/a", &Handler{Shape: Unary})
	if !r.Unregister("/a") {
		t.Fatal("Unregister of registered path should return true")
	}
	if r.Unregister("/a") {
		t.Fatal("Unregister of absent path should return false")
	}
	if _, ok := r.Lookup("/a"); ok {
		t.Fatal("path should be gone after Unregister")
	}
}

func TestAddServiceRejectsEmptyDefinition(t *testing.T) {
	r := NewRegistry()
	if err := r.AddService(ServiceDefinition{}, map[string]any{}); err == nil {
		t.Fatal("expected error for empty service definition")
	}
	if err := r.AddService(nil, map[string]any{}); err == nil {
		t.Fatal("expected error for nil service definition")
	}
}

func TestAddServiceInstallsDefaultUnimplementedHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.AddService(echoDef(), map[string]any{}); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	h, ok := r.Lookup("/demo.S/Echo")
	if !ok {
		t.Fatal("expected handler to be registered even without an implementation")
	}
	fn := h.Func.(func(call *Call, respond func(resp any, err error)))
	var gotErr error
	fn(&Call{}, func(resp any, err error) { gotErr = err })

	st, ok := status.FromError(gotErr)
	if !ok {
		t.Fatalf("expected a status error, got %v", gotErr)
	}
	want := "The server does not implement the method /demo.S/Echo"
	if st.Message() != want {
		t.Errorf("message = %q, want %q", st.Message(), want)
	}
}

func TestAddServiceUsesOriginalNameFallback(t *testing.T) {
	r := NewRegistry()
	def := echoDef()
	m := def["Echo"]
	m.OriginalName = "echo"
	def["Echo"] = m

	called := false
	impl := map[string]any{
		"echo": func(call *Call, respond func(resp any, err error)) {
			called = true
			respond(call.Request, nil)
		},
	}
	if err := r.AddService(def, impl); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	h, _ := r.Lookup("/demo.S/Echo")
	fn := h.Func.(func(call *Call, respond func(resp any, err error)))
	fn(&Call{Request: []byte("hi")}, func(resp any, err error) {})
	if !called {
		t.Fatal("expected fallback to originalName implementation to be invoked")
	}
}

func TestAddServiceDuplicatePathFailsWholeCallAtomically(t *testing.T) {
	r := NewRegistry()
	if err := r.AddService(echoDef(), map[string]any{}); err != nil {
		t.Fatalf("first AddService failed: %v", err)
	}
	if err := r.AddService(echoDef(), map[string]any{}); err == nil {
		t.Fatal("expected duplicate-path error on second AddService")
	}
}

func TestRemoveServiceIsSilentOnAbsence(t *testing.T) {
	r := NewRegistry()
	r.RemoveService(echoDef()) // must not panic even though nothing was registered
	if err := r.AddService(echoDef(), map[string]any{}); err != nil {
		t.Fatalf("AddService after no-op RemoveService failed: %v", err)
	}
	r.RemoveService(echoDef())
	if _, ok := r.Lookup("/demo.S/Echo"); ok {
		t.Fatal("expected path to be removed")
	}
}

func TestAddServiceRemoveServiceIsIdempotent(t *testing.T) {
	r := NewRegistry()
	def := echoDef()
	if err := r.AddService(def, map[string]any{}); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	r.RemoveService(def)
	if err := r.AddService(def, map[string]any{}); err != nil {
		t.Fatalf("AddService after RemoveService should succeed again: %v", err)
	}
}
