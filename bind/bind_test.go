package bind

import (
	"sync"
	"testing"

	"grpccore/channelz"
)

func TestBindAsyncStaticSingleAddress(t *testing.T) {
	reg := channelz.NewRegistry()
	serverRef := reg.RegisterServer(func() any { return nil })
	engine := NewEngine(reg, serverRef, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	var gotListeners []ListenerRecord
	engine.BindAsync("static:127.0.0.1:0", Insecure{}, func(port int, listeners []ListenerRecord, err error) {
		defer wg.Done()
		gotErr = err
		gotListeners = listeners
	})
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(gotListeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(gotListeners))
	}
	for _, rec := range gotListeners {
		rec.Socket.Close()
	}
}

func TestBindAsyncRejectsAfterStarted(t *testing.T) {
	reg := channelz.NewRegistry()
	serverRef := reg.RegisterServer(func() any { return nil })
	engine := NewEngine(reg, serverRef, nil)
	engine.MarkStarted()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	engine.BindAsync("static:127.0.0.1:0", Insecure{}, func(port int, listeners []ListenerRecord, err error) {
		defer wg.Done()
		gotErr = err
	})
	wg.Wait()

	if gotErr == nil {
		t.Fatal("expected error after server already started")
	}
}

func TestBindAsyncFailsOnUnresolvedScheme(t *testing.T) {
	reg := channelz.NewRegistry()
	serverRef := reg.RegisterServer(func() any { return nil })
	engine := NewEngine(reg, serverRef, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	engine.BindAsync("bogus-scheme://x", Insecure{}, func(port int, listeners []ListenerRecord, err error) {
		defer wg.Done()
		gotErr = err
	})
	wg.Wait()

	if gotErr == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestBindWildcardRetriesRemainingAddressesOnChosenPort(t *testing.T) {
	reg := channelz.NewRegistry()
	serverRef := reg.RegisterServer(func() any { return nil })
	engine := NewEngine(reg, serverRef, nil)

	// Second address is a bogus host that cannot be bound on any port,
	// so this exercises the partial-bind path: 1 of 2 addresses succeed.
	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	var gotListeners []ListenerRecord
	engine.BindAsync("static:127.0.0.1:0,256.256.256.256:0", Insecure{}, func(port int, listeners []ListenerRecord, err error) {
		defer wg.Done()
		gotErr = err
		gotListeners = listeners
	})
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("unexpected total failure: %v", gotErr)
	}
	if len(gotListeners) != 1 {
		t.Fatalf("expected partial bind of 1 listener, got %d", len(gotListeners))
	}
	for _, rec := range gotListeners {
		rec.Socket.Close()
	}
}

func TestBindAsyncNoAddressesResolvedIsError(t *testing.T) {
	reg := channelz.NewRegistry()
	serverRef := reg.RegisterServer(func() any { return nil })
	engine := NewEngine(reg, serverRef, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	engine.BindAsync("static:", Insecure{}, func(port int, listeners []ListenerRecord, err error) {
		defer wg.Done()
		gotErr = err
	})
	wg.Wait()

	if gotErr == nil {
		t.Fatal("expected error when no addresses resolve")
	}
}
