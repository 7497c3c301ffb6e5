package loadbalance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/twmb/murmur3"

	"mini-rpc/metainfo"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
)

// ConsistentHashOption tunes how a ConsistentHashBalancer builds its ring.
// Defaults mirror the common consistent-hash recipe: one pick per request,
// 100 virtual nodes per weight unit, weight-aware spacing.
type ConsistentHashOption struct {
	// Replicas is how many distinct instances InstancePicker.Next will
	// yield before giving up, used by callers that want N candidates
	// (e.g. for retry-on-a-different-instance).
	Replicas int
	// VirtualFactor is the number of virtual nodes placed per weight
	// unit (Weighted) or per instance (unweighted).
	VirtualFactor int
	// Weighted selects whether virtual node count scales with instance
	// weight or is uniform across instances.
	Weighted bool
}

// DefaultConsistentHashOption matches volo's defaults.
func DefaultConsistentHashOption() ConsistentHashOption {
	return ConsistentHashOption{Replicas: 1, VirtualFactor: 100, Weighted: true}
}

type virtualNode struct {
	hash uint64
	real *registry.ServiceInstance
}

// weightedInstances is the immutable snapshot built each time the
// instance list for a service changes: the sorted virtual-node ring plus
// the real instances it was built from.
type weightedInstances struct {
	real    []*registry.ServiceInstance
	virtual []virtualNode
}

func buildWeightedInstances(instances []registry.ServiceInstance, opt ConsistentHashOption) *weightedInstances {
	wi := &weightedInstances{}
	for i := range instances {
		inst := &instances[i]
		wi.real = append(wi.real, inst)
		count := opt.VirtualFactor
		if opt.Weighted {
			weight := inst.Weight
			if weight <= 0 {
				weight = 1
			}
			count = weight * opt.VirtualFactor
		}
		for serial := 0; serial < count; serial++ {
			key := fmt.Sprintf("%s#%05d", inst.Addr, serial)
			hash := murmur3.Sum64([]byte(key))
			wi.virtual = append(wi.virtual, virtualNode{hash: hash, real: inst})
		}
	}
	sort.Slice(wi.virtual, func(i, j int) bool { return wi.virtual[i].hash < wi.virtual[j].hash })
	return wi
}

// InstancePicker iterates candidate instances for one request hash, in
// ring order starting from the first virtual node whose hash is >= the
// request hash (wrapping around to the start of the ring), skipping
// virtual nodes that map back to an instance already yielded. It yields
// at most Replicas distinct instances.
type InstancePicker struct {
	wi          *weightedInstances
	requestHash uint64
	replicas    int
	start       int
	offset      int
	yielded     int
	used        map[string]bool
}

func newInstancePicker(wi *weightedInstances, requestHash uint64, replicas int) *InstancePicker {
	n := len(wi.virtual)
	start := sort.Search(n, func(i int) bool { return wi.virtual[i].hash >= requestHash })
	if start == n {
		start = 0
	}
	return &InstancePicker{wi: wi, requestHash: requestHash, replicas: replicas, start: start, used: make(map[string]bool)}
}

// Next returns the next candidate instance, or nil once Replicas distinct
// instances have been yielded or the ring has been fully scanned.
func (p *InstancePicker) Next() *registry.ServiceInstance {
	n := len(p.wi.virtual)
	if n == 0 || p.yielded >= p.replicas {
		return nil
	}
	for p.offset < n {
		idx := (p.start + p.offset) % n
		p.offset++
		node := p.wi.virtual[idx]
		if p.used[node.real.Addr] {
			continue
		}
		p.used[node.real.Addr] = true
		p.yielded++
		return node.real
	}
	return nil
}

// ConsistentHashBalancer maps a request hash (carried via metainfo) to an
// instance, rebuilding its ring whenever the discovery layer reports a
// Change for the service it serves. Cache affinity holds until the
// instance set changes: no lock is held across the request path, and a
// picker already handed out keeps iterating its captured ring snapshot
// even if a Change replaces b.router[serviceName] underneath it.
type ConsistentHashBalancer struct {
	opt      ConsistentHashOption
	mu       sync.RWMutex
	router   map[string]*weightedInstances // serviceName -> ring snapshot
	watching map[string]bool               // serviceName -> WatchAndRebalance already running
}

// NewConsistentHashBalancer builds a balancer using opt.
func NewConsistentHashBalancer(opt ConsistentHashOption) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		opt:      opt,
		router:   make(map[string]*weightedInstances),
		watching: make(map[string]bool),
	}
}

// Rebalance replaces the ring for serviceName with one built from
// instances. Call this from a registry.WatchChanges consumer whenever a
// Change arrives; WatchAndRebalance does this automatically.
func (b *ConsistentHashBalancer) Rebalance(serviceName string, instances []registry.ServiceInstance) {
	wi := buildWeightedInstances(instances, b.opt)
	b.mu.Lock()
	b.router[serviceName] = wi
	b.mu.Unlock()
}

// ensureRing builds and caches the ring for serviceName the first time
// it's seen, using the instance list the caller already had on hand
// (e.g. from a one-off registry.Discover). It is a no-op once a ring is
// cached — after that, only WatchAndRebalance's Change consumption (or an
// explicit Rebalance) replaces it, so the ring is never rebuilt on the
// hot request path.
func (b *ConsistentHashBalancer) ensureRing(serviceName string, instances []registry.ServiceInstance) {
	b.mu.RLock()
	_, ok := b.router[serviceName]
	b.mu.RUnlock()
	if ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.router[serviceName]; ok {
		return
	}
	b.router[serviceName] = buildWeightedInstances(instances, b.opt)
}

// WatchAndRebalance starts a background goroutine that consumes
// reg.WatchChanges(serviceName) and calls Rebalance on every Change, so
// the ring stays current without ever rebuilding on the request path. It
// is idempotent per serviceName: calling it again for a service that
// already has a watcher running is a no-op. The goroutine exits when ctx
// is done or the registry closes the channel.
func (b *ConsistentHashBalancer) WatchAndRebalance(ctx context.Context, reg registry.Registry, serviceName string) {
	b.mu.Lock()
	if b.watching[serviceName] {
		b.mu.Unlock()
		return
	}
	b.watching[serviceName] = true
	b.mu.Unlock()

	changes := reg.WatchChanges(serviceName)
	go func() {
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				b.Rebalance(change.ServiceName, change.All)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetPicker returns an InstancePicker for serviceName using the request
// hash deposited in ctx's metainfo scope. Returns ErrMissRequestHash if
// none was deposited, and ErrNoAvailableInstance if the service has no
// known ring yet.
func (b *ConsistentHashBalancer) GetPicker(ctx context.Context, serviceName string) (*InstancePicker, error) {
	hash, ok := metainfo.RequestHash(ctx)
	if !ok {
		return nil, rpcerr.ErrMissRequestHash
	}
	b.mu.RLock()
	wi, ok := b.router[serviceName]
	b.mu.RUnlock()
	if !ok || len(wi.real) == 0 {
		return nil, rpcerr.ErrNoAvailableInstance
	}
	return newInstancePicker(wi, hash, b.opt.Replicas), nil
}

// Pick implements Balancer. It lazily builds the ring for serviceName
// from instances the first time the service is picked, then reads the
// cached ring on every subsequent call — the ring is only ever rebuilt by
// Rebalance, normally driven by WatchAndRebalance's WatchChanges
// consumption, never by Pick itself.
func (b *ConsistentHashBalancer) Pick(ctx context.Context, serviceName string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	b.ensureRing(serviceName, instances)
	picker, err := b.GetPicker(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	inst := picker.Next()
	if inst == nil {
		return nil, rpcerr.ErrNoAvailableInstance
	}
	return inst, nil
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }
