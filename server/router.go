package server

import (
	"sync"

	"mini-rpc/rpcerr"
)

// NamedService is anything that reports a service name. The reflection-
// based service type implements it; Router itself stores and dispatches
// only that reflection-based type.
type NamedService interface {
	Name() string
}

// Router dispatches an inbound call to one of several registered
// services by the IDL/TTHeader service name the caller sent, falling
// back to a default service when no name matches (or none was sent at
// all, for peers that predate multi-service routing).
type Router struct {
	mu             sync.RWMutex
	services       map[string]*service
	defaultService *service
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{services: make(map[string]*service)}
}

// AddService registers svc under its own name.
func (r *Router) AddService(svc *service) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name()] = svc
	return r
}

// WithDefaultService registers svc both under its own name and as the
// fallback used when the caller's requested service name doesn't match
// anything else (or is empty). Mirrors a single-service server that
// never needed to know about routing at all.
func (r *Router) WithDefaultService(svc *service) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name()] = svc
	r.defaultService = svc
	return r
}

// Dispatch resolves idlServiceName to a registered service: an exact
// name match first, the default service next, and an UNKNOWN_METHOD
// application error if neither applies.
func (r *Router) Dispatch(idlServiceName string) (*service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idlServiceName != "" {
		if svc, ok := r.services[idlServiceName]; ok {
			return svc, nil
		}
	}
	if r.defaultService != nil {
		return r.defaultService, nil
	}
	return nil, rpcerr.WrapApplication(
		"unknown service: "+idlServiceName,
		"unknown_method",
		nil,
	)
}

// Services returns the names of every registered service, for
// diagnostics.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}
