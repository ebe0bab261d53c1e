// Package discovery implements the Discovery Request: one long-lived
// consumer of a single Discovery Handler's device stream, selected across
// whichever endpoint (embedded, Uds, or network) the registry currently
// knows about for that handler name. It re-selects on endpoint loss, waits
// on the registry's broadcast when no endpoint exists yet, and hands its
// current device set to the Reconciler on demand with a live-merged
// broker-properties overlay.
package discovery

import (
	"context"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/example/akri-agent/pkg/agenterrors"
	"github.com/example/akri-agent/pkg/discoveryapi"
	"github.com/example/akri-agent/pkg/registry"
	"github.com/example/akri-agent/pkg/rpc"
)

// DefaultDialTimeout bounds how long opening a Uds or network endpoint may
// take before the Request moves on to the next endpoint in the tier order.
const DefaultDialTimeout = 5 * time.Second

// EmbeddedHandler is implemented by discovery handlers compiled into the
// agent. Unlike a networked handler it is called directly, in-process;
// emit delivers one DiscoverResponse and blocks until the Request has
// consumed it or ctx is cancelled.
type EmbeddedHandler interface {
	Discover(ctx context.Context, req *discoveryapi.DiscoverRequest, emit func(*discoveryapi.DiscoverResponse) error) error
}

// EmbeddedLookup resolves an embedded handler by the name it was
// registered under.
type EmbeddedLookup func(name string) (EmbeddedHandler, bool)

// Request tracks one Configuration's discovery_handler name against the
// registry and republishes the handler's device stream to subscribers.
type Request struct {
	ConfigName  string
	HandlerName string

	reg         *registry.Registry
	embedded    EmbeddedLookup
	dialTimeout time.Duration

	details       string
	propsResolved map[string]discoveryapi.PropertyValue

	mu          sync.Mutex
	brokerProps map[string]string
	raw         map[string]discoveryapi.Device

	subMu sync.Mutex
	subs  []chan struct{}

	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
}

// NewRequest starts a Request and returns immediately; device discovery
// runs in a background goroutine until Cancel is called. propsResolved is
// the already-resolved (secret-ref-expanded) discovery_properties map.
func NewRequest(configName, handlerName string, reg *registry.Registry, embedded EmbeddedLookup, details string, propsResolved map[string]discoveryapi.PropertyValue, brokerProps map[string]string) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Request{
		ConfigName:    configName,
		HandlerName:   handlerName,
		reg:           reg,
		embedded:      embedded,
		dialTimeout:   DefaultDialTimeout,
		details:       details,
		propsResolved: propsResolved,
		brokerProps:   cloneProps(brokerProps),
		raw:           make(map[string]discoveryapi.Device),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// Cancel stops the Request's background goroutine. It is idempotent.
func (r *Request) Cancel() {
	r.cancelOnce.Do(func() {
		r.cancel()
	})
}

// Done returns a channel closed once the background goroutine has fully
// exited following Cancel.
func (r *Request) Done() <-chan struct{} { return r.done }

// UpdateBrokerProperties atomically replaces the broker_properties overlay.
// It takes effect on the next Devices() call; no stream restart needed.
func (r *Request) UpdateBrokerProperties(props map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokerProps = cloneProps(props)
}

// Devices returns the current device set, keyed by id, with the
// broker-properties overlay merged in (device-reported properties win on
// key collision).
func (r *Request) Devices() map[string]discoveryapi.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]discoveryapi.Device, len(r.raw))
	for id, dev := range r.raw {
		merged := discoveryapi.Device{
			ID:              dev.ID,
			Mounts:          dev.Mounts,
			DeviceNodeSpecs: dev.DeviceNodeSpecs,
			Properties:      make(map[string]string, len(r.brokerProps)+len(dev.Properties)),
		}
		for k, v := range r.brokerProps {
			merged.Properties[k] = v
		}
		for k, v := range dev.Properties {
			merged.Properties[k] = v
		}
		out[id] = merged
	}
	return out
}

// Subscribe returns a channel that receives a value every time the raw
// device set changes. The returned cancel func must be called once the
// subscriber is done.
func (r *Request) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()

	unsubscribe := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, c := range r.subs {
			if c == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe
}

func (r *Request) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Request) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries := r.reg.Entries(r.HandlerName)
		if len(entries) == 0 {
			if !r.waitForHandler(ctx) {
				return
			}
			continue
		}

		consumed := false
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			default:
			}

			stream, closeFn, err := r.open(ctx, entry)
			if err != nil {
				klog.Warningf("discovery request %s/%s: opening %s (%s) failed: %v",
					r.ConfigName, r.HandlerName, entry.Endpoint, entry.Kind, err)
				continue
			}
			consumed = true
			r.consume(ctx, entry, stream, closeFn)
			break
		}

		if !consumed {
			if !r.waitForHandler(ctx) {
				return
			}
		}
	}
}

// waitForHandler blocks until a registration event names HandlerName, or
// ctx is cancelled. It returns false only on cancellation.
func (r *Request) waitForHandler(ctx context.Context) bool {
	ch, unsubscribe := r.reg.SubscribeNewHandlers()
	defer unsubscribe()

	klog.V(2).Infof("discovery request %s/%s: no endpoint available, waiting for registration", r.ConfigName, r.HandlerName)
	for {
		select {
		case <-ctx.Done():
			return false
		case name, ok := <-ch:
			if !ok {
				return false
			}
			if name == r.HandlerName {
				return true
			}
		}
	}
}

// consume reads from stream until it errors, ctx is cancelled, or entry is
// superseded, publishing each message's device set. Cancellation is
// checked ahead of the main select so that it always wins ties against a
// simultaneously ready message or close signal.
func (r *Request) consume(ctx context.Context, entry *registry.HandlerEntry, stream deviceStream, closeFn func()) {
	defer closeFn()

	msgCh := make(chan *discoveryapi.DiscoverResponse)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-entry.Closed():
			klog.Infof("discovery request %s/%s: endpoint %s superseded, reselecting", r.ConfigName, r.HandlerName, entry.Endpoint)
			return
		case err := <-errCh:
			if err == io.EOF {
				klog.Infof("discovery request %s/%s: stream from %s ended", r.ConfigName, r.HandlerName, entry.Endpoint)
			} else {
				klog.Warningf("discovery request %s/%s: stream from %s errored: %v", r.ConfigName, r.HandlerName, entry.Endpoint, err)
			}
			return
		case msg := <-msgCh:
			r.publish(msg.Devices)
		}
	}
}

// publish applies change detection: identical device sets (by id and by
// property values on shared ids) are dropped without notifying
// subscribers.
func (r *Request) publish(devices []discoveryapi.Device) {
	next := make(map[string]discoveryapi.Device, len(devices))
	for _, d := range devices {
		next[d.ID] = d
	}

	r.mu.Lock()
	changed := !devicesEqual(r.raw, next)
	if changed {
		r.raw = next
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

func devicesEqual(a, b map[string]discoveryapi.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for id, da := range a {
		db, ok := b[id]
		if !ok {
			return false
		}
		if !deviceEqual(da, db) {
			return false
		}
	}
	return true
}

func deviceEqual(a, b discoveryapi.Device) bool {
	if len(a.Properties) != len(b.Properties) {
		return false
	}
	for k, v := range a.Properties {
		if b.Properties[k] != v {
			return false
		}
	}
	if len(a.Mounts) != len(b.Mounts) || len(a.DeviceNodeSpecs) != len(b.DeviceNodeSpecs) {
		return false
	}
	for i := range a.Mounts {
		if !mountEqual(a.Mounts[i], b.Mounts[i]) {
			return false
		}
	}
	for i := range a.DeviceNodeSpecs {
		if a.DeviceNodeSpecs[i] != b.DeviceNodeSpecs[i] {
			return false
		}
	}
	return true
}

func mountEqual(a, b discoveryapi.Mount) bool {
	if a.HostPath != b.HostPath || a.ContainerPath != b.ContainerPath || a.ReadOnly != b.ReadOnly || len(a.Options) != len(b.Options) {
		return false
	}
	for i := range a.Options {
		if a.Options[i] != b.Options[i] {
			return false
		}
	}
	return true
}

func cloneProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// deviceStream is the common shape of an embedded or networked Discover
// stream, hiding the tag from consume.
type deviceStream interface {
	Recv() (*discoveryapi.DiscoverResponse, error)
}

func (r *Request) open(ctx context.Context, entry *registry.HandlerEntry) (deviceStream, func(), error) {
	if entry.Kind == registry.EndpointEmbedded {
		return r.openEmbedded(ctx, entry)
	}
	return r.openRemote(ctx, entry)
}

func (r *Request) openEmbedded(ctx context.Context, entry *registry.HandlerEntry) (deviceStream, func(), error) {
	handler, ok := r.embedded(entry.Endpoint)
	if !ok {
		return nil, nil, agenterrors.Newf(agenterrors.UnavailableDiscoveryHandler, nil, "no embedded handler compiled in for %q", entry.Endpoint)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &embeddedStream{
		ch:    make(chan *discoveryapi.DiscoverResponse),
		errCh: make(chan error, 1),
	}
	go func() {
		err := handler.Discover(streamCtx, &discoveryapi.DiscoverRequest{
			DiscoveryDetails:    r.details,
			DiscoveryProperties: r.propsResolved,
		}, func(resp *discoveryapi.DiscoverResponse) error {
			select {
			case s.ch <- resp:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		if err != nil && err != context.Canceled {
			select {
			case s.errCh <- err:
			default:
			}
			return
		}
		close(s.ch)
	}()
	return s, cancel, nil
}

type embeddedStream struct {
	ch    chan *discoveryapi.DiscoverResponse
	errCh chan error
}

func (s *embeddedStream) Recv() (*discoveryapi.DiscoverResponse, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case err := <-s.errCh:
		return nil, err
	}
}

func (r *Request) openRemote(ctx context.Context, entry *registry.HandlerEntry) (deviceStream, func(), error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, r.dialTimeout)
	defer dialCancel()

	target := entry.Endpoint
	if entry.Kind == registry.EndpointUds {
		target = "unix://" + entry.Endpoint
	}

	conn, err := grpc.DialContext(dialCtx, target,
		grpc.WithBlock(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	)
	if err != nil {
		return nil, nil, agenterrors.Newf(agenterrors.UnavailableDiscoveryHandler, err, "dialing discovery handler at %s", entry.Endpoint)
	}

	streamCtx, streamCancel := context.WithCancel(ctx)
	client := discoveryapi.NewDiscoveryClient(conn)
	stream, err := client.Discover(streamCtx, &discoveryapi.DiscoverRequest{
		DiscoveryDetails:    r.details,
		DiscoveryProperties: r.propsResolved,
	})
	if err != nil {
		streamCancel()
		conn.Close()
		return nil, nil, agenterrors.Newf(agenterrors.UnavailableDiscoveryHandler, err, "opening discover stream to %s", entry.Endpoint)
	}

	closeFn := func() {
		streamCancel()
		conn.Close()
	}
	return stream, closeFn, nil
}
