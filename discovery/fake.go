package discovery

import "sync"

// FakeRegistry is an in-process stand-in for mDNS, shared by a
// Publisher/Browser pair within a single test process. It lets
// session tests exercise the full discover → connect → authenticate
// flow over loopback TCP without touching the real network.
type FakeRegistry struct {
	mu        sync.Mutex
	instances map[string]Instance
	watchers  []chan Instance
}

// NewFakeRegistry creates an empty registry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{instances: make(map[string]Instance)}
}

// Publisher returns a Publisher bound to this registry.
func (r *FakeRegistry) Publisher() Publisher { return &fakePublisher{registry: r} }

// Browser returns a Browser bound to this registry.
func (r *FakeRegistry) Browser() Browser { return &fakeBrowser{registry: r} }

func (r *FakeRegistry) publish(inst Instance) {
	r.mu.Lock()
	r.instances[inst.Name] = inst
	watchers := append([]chan Instance{}, r.watchers...)
	r.mu.Unlock()

	for _, w := range watchers {
		w <- inst
	}
}

func (r *FakeRegistry) unpublish(name string) {
	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()
}

func (r *FakeRegistry) subscribe() (<-chan Instance, func()) {
	ch := make(chan Instance, 16)
	r.mu.Lock()
	for _, inst := range r.instances {
		inst := inst
		ch <- inst
	}
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	stop := func() {
		r.mu.Lock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		close(ch)
	}
	return ch, stop
}

type fakePublisher struct {
	registry *FakeRegistry
	name     string
}

func (p *fakePublisher) Publish(instanceName string, port, coordinatorPort int) error {
	p.name = instanceName
	p.registry.publish(Instance{
		Name:            instanceName,
		Addresses:       []string{"127.0.0.1"},
		CoordinatorPort: coordinatorPort,
	})
	return nil
}

func (p *fakePublisher) Unpublish() {
	if p.name != "" {
		p.registry.unpublish(p.name)
	}
}

type fakeBrowser struct {
	registry *FakeRegistry
	stop     func()
}

func (b *fakeBrowser) Browse() (<-chan Instance, error) {
	ch, stop := b.registry.subscribe()
	b.stop = stop
	return ch, nil
}

func (b *fakeBrowser) Stop() {
	if b.stop != nil {
		b.stop()
	}
}
