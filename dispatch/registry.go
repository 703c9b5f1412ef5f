package dispatch

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
)

// HandlerInfo declares an operation's dispatch policy.
type HandlerInfo struct {
	// Name is the request element name, like "GetInfoRequest".
	Name string
	// AllowsUnauthenticated admits requests with no principal.
	AllowsUnauthenticated bool
	// AdminOnly restricts the operation to administrative principals.
	AdminOnly bool
	// SkipDelegatedCheck means the handler performs its own target-account
	// authorization and the engine's delegated-access validation is skipped.
	SkipDelegatedCheck bool
	// ReadOnly operations stay available when the node is in read-only
	// mode.
	ReadOnly bool
	// LocalOnly operations are never proxied to the target's home node.
	LocalOnly bool
	// MayBlock marks long-poll operations that legitimately park on the
	// request goroutine; slow-request warnings skip them.
	MayBlock bool
}

// Handler executes one operation.
type Handler interface {
	Info() HandlerInfo
	Handle(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Meta HandlerInfo
	Fn   func(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error)
}

func (h HandlerFunc) Info() HandlerInfo { return h.Meta }
func (h HandlerFunc) Handle(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
	return h.Fn(ctx, req, dc)
}

// Registry maps request element names to handlers, with an optional
// hot-reloaded allow-list restricting which operations are enabled.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	// nil allowed means everything registered is enabled
	allowed map[string]struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, handlers: make(map[string]Handler)}
}

// Register adds a handler under its declared name. Registering the same
// name twice panics; that is a wiring bug, not a runtime condition.
func (r *Registry) Register(h Handler) {
	name := h.Info().Name
	if name == "" {
		panic("dispatch: handler with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic("dispatch: duplicate handler: " + name)
	}
	r.handlers[name] = h
}

// Unregister removes a handler. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

// Lookup resolves name to an enabled handler. Unknown names fault with
// UNKNOWN_DOCUMENT; known but disabled names fault as temporarily
// unavailable.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fault.UnknownRequest(name)
	}
	if r.allowed != nil {
		if _, on := r.allowed[name]; !on {
			return nil, fault.TemporarilyUnavailable()
		}
	}
	return h, nil
}

// Names returns the registered operation names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// LoadAllowList reads a file of operation names, one per line, '#' comments
// allowed. An empty file enables everything.
func (r *Registry) LoadAllowList(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	allowed := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		allowed[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if len(allowed) == 0 {
		r.allowed = nil
	} else {
		r.allowed = allowed
	}
	n := len(allowed)
	r.mu.Unlock()

	r.log.Info("operation allow-list loaded", "path", path, "entries", n)
	return nil
}

// WatchAllowList loads the allow-list and reloads it whenever the file
// changes. Stop the watch with CloseWatch.
func (r *Registry) WatchAllowList(path string) error {
	if err := r.LoadAllowList(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadAllowList(path); err != nil {
					r.log.Error("allow-list reload failed", "path", path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Error("allow-list watch error", "error", err)
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// CloseWatch stops the allow-list watcher, if one is running.
func (r *Registry) CloseWatch() {
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
		r.watcher = nil
	}
}
