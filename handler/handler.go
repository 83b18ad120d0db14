// Package handler implements the Handler Registry spec.md §4.1 describes:
// a path-keyed map of method handlers, derived from either low-level
// Register calls or a higher-level ServiceDefinition/implementation pair
// the way a generated service descriptor normally would.
package handler

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Shape is the streaming shape spec.md §3 derives from
// (requestStream, responseStream).
type Shape int

const (
	Unary Shape = iota
	ClientStream
	ServerStream
	Bidi
)

func (s Shape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStream:
		return "clientStream"
	case ServerStream:
		return "serverStream"
	case Bidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// ShapeOf derives the streaming shape from the two stream flags, per
// spec.md §3's table: (F,F)=unary, (T,F)=clientStream, (F,T)=serverStream, (T,T)=bidi.
func ShapeOf(requestStream, responseStream bool) Shape {
	switch {
	case !requestStream && !responseStream:
		return Unary
	case requestStream && !responseStream:
		return ClientStream
	case !requestStream && responseStream:
		return ServerStream
	default:
		return Bidi
	}
}

// Serialize/Deserialize match spec.md §3's Method Handler attributes:
// user-supplied, per-method (de)serialization, opaque to the core.
type Serialize func(response any) ([]byte, error)
type Deserialize func(data []byte) (any, error)

// Handler is the immutable-after-registration Method Handler of spec.md §3.
type Handler struct {
	Path        string
	Shape       Shape
	Serialize   Serialize
	Deserialize Deserialize
	// Func holds the user callback. Its concrete signature is determined
	// by Shape; the dispatch core type-asserts it appropriately:
	//   Unary:        func(call *Call, respond func(resp any, err error))
	//   ClientStream: func(stream ClientStreamServer, respond func(resp any, err error))
	//   ServerStream: func(stream ServerStreamServer) error
	//   Bidi:         func(stream BidiStreamServer) error
	Func any
}

// MethodDefinition is one entry of a ServiceDefinition: everything
// needed to derive and register a Handler, mirroring spec.md §3.
type MethodDefinition struct {
	Path                 string
	RequestStream        bool
	ResponseStream       bool
	RequestSerialize     Serialize
	RequestDeserialize   Deserialize
	ResponseSerialize    Serialize
	ResponseDeserialize  Deserialize
	OriginalName         string
}

// ServiceDefinition maps method name to its definition, per spec.md §3.
type ServiceDefinition map[string]MethodDefinition

var validate = validator.New()

// Registry is the path→Handler map spec.md §4.1 specifies. Safe for
// concurrent use: lookups happen from every dispatch goroutine while
// registration happens from the caller's own goroutine during setup or
// teardown.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds h under path. Returns false iff path is already
// registered — spec.md §4.1 forbids silent overwrite.
func (r *Registry) Register(path string, h *Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[path]; exists {
		return false
	}
	h.Path = path
	r.handlers[path] = h
	return true
}

// Unregister removes path. Returns false if path was not registered.
func (r *Registry) Unregister(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[path]; !exists {
		return false
	}
	delete(r.handlers, path)
	return true
}

// Lookup returns the handler for path, if any.
func (r *Registry) Lookup(path string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[path]
	return h, ok
}

// addServiceInput is validated structurally before any registration side
// effect — spec.md §4.1 requires addService to reject non-object
// arguments and empty service definitions with distinct messages.
type addServiceInput struct {
	Def  ServiceDefinition `validate:"required,min=1"`
	Impl map[string]any    `validate:"required"`
}

// AddService derives each method's Shape from its stream flags, selects
// impl[name] (falling back to impl[originalName] when the primary key is
// absent), and installs a default UNIMPLEMENTED handler for any method
// with no implementation. Any duplicate path registered during this call
// fails the entire call and leaves the registry unchanged.
func (r *Registry) AddService(def ServiceDefinition, impl map[string]any) error {
	if def == nil {
		return errors.New("handler: addService requires a non-nil service definition")
	}
	if len(def) == 0 {
		return errors.New("handler: addService requires a non-empty service definition")
	}
	if err := validate.Struct(addServiceInput{Def: def, Impl: impl}); err != nil {
		return errors.Wrap(err, "handler: invalid addService arguments")
	}

	built := make([]*Handler, 0, len(def))
	for name, md := range def {
		if md.Path == "" {
			return errors.Errorf("handler: method %q has no path", name)
		}
		shape := ShapeOf(md.RequestStream, md.ResponseStream)

		fn, ok := impl[name]
		if !ok && md.OriginalName != "" {
			fn, ok = impl[md.OriginalName]
		}
		if !ok {
			fn = defaultUnimplementedFunc(shape, md.Path)
		}

		built = append(built, &Handler{
			Path:        md.Path,
			Shape:       shape,
			Serialize:   md.ResponseSerialize,
			Deserialize: md.RequestDeserialize,
			Func:        fn,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(built))
	for _, h := range built {
		if _, exists := r.handlers[h.Path]; exists || seen[h.Path] {
			return errors.Errorf("handler: method %q is already registered", h.Path)
		}
		seen[h.Path] = true
	}
	for _, h := range built {
		r.handlers[h.Path] = h
	}
	return nil
}

// RemoveService unregisters every path named in def. Absence of a path
// is silent, per spec.md §4.1.
func (r *Registry) RemoveService(def ServiceDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, md := range def {
		delete(r.handlers, md.Path)
	}
}
