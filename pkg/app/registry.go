// Package app resolves application entry references to HTTP handlers.
//
// An entry reference has the form name[:argument]. The name selects a
// registered Factory and the argument, which may itself contain colons, is
// passed to it verbatim:
//
//	health
//	echo
//	proxy:http://127.0.0.1:9000
//	static:/srv/www
package app

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownApp is returned when an entry names no registered application
var ErrUnknownApp = errors.New("unknown application")

// Factory builds a handler from the argument part of an entry reference
type Factory func(arg string) (http.Handler, error)

// Registry maps application names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry holding the built-in applications
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("health", Health)
	r.MustRegister("echo", Echo)
	r.MustRegister("proxy", Proxy)
	r.MustRegister("static", Static)
	return r
}

// Default is the registry workers resolve against
var Default = NewDefaultRegistry()

// Register adds a factory under name
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid application name %q", name)
	}
	if f == nil {
		return fmt.Errorf("nil factory for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("application %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Resolve builds the handler for an entry reference
func (r *Registry) Resolve(entry string) (http.Handler, error) {
	name, arg := ParseEntry(entry)

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownApp, name, strings.Join(r.Names(), ", "))
	}

	h, err := f(arg)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return h, nil
}

// Names lists registered application names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseEntry splits an entry reference at its first colon
func ParseEntry(entry string) (name, arg string) {
	entry = strings.TrimSpace(entry)
	name, arg, _ = strings.Cut(entry, ":")
	return name, arg
}
