// Package ws contains the realtime coordinator: the hub fanning out events to
// connected clients and the per-connection session protocol on top of a
// websocket connection.
package ws

import (
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/filter"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/persistence"
	"github.com/ember-chat/ember-chat/presence"
	"github.com/ember-chat/ember-chat/ratelimit"
	"github.com/ember-chat/ember-chat/types"
	"github.com/robfig/cron/v3"
)

const (
	maxMessageSize     = 4096
	pongWait           = 2 * time.Minute
	pingPeriod         = time.Minute
	writeWait          = 10 * time.Second
	sendChannelSize    = 256
	publishChannelSize = 1000
)

// envelope is a single fan-out unit: a pre-marshalled wire message plus its
// target audience. closeAfter asks the write loop to close the connection
// once the message has been handed over (used for kicks and join rejections).
type envelope struct {
	audience   Audience
	event      string
	data       []byte
	prog       *vm.Program
	created    int64
	closeAfter bool
}

// Hub owns the set of connected clients and serializes all fan-out. Register,
// unregister and publish all flow through the Run loop, so every client
// observes broadcasts in publish order.
type Hub struct {
	cfg       *config.Config
	registry  *presence.Registry
	persister persistence.Persister
	limiter   *ratelimit.Limiter

	register   chan *Client
	unregister chan *Client
	publish    chan envelope
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once

	// mutex for manipulating the clients
	mu      sync.RWMutex
	clients map[string]*Client

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func NewHub(cfg *config.Config, registry *presence.Registry, persister persistence.Persister, limiter *ratelimit.Limiter) *Hub {
	return &Hub{
		cfg:        cfg,
		registry:   registry,
		persister:  persister,
		limiter:    limiter,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan envelope, publishChannelSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[string]*Client),
		Now:        time.Now,
	}
}

func (h *Hub) Registry() *presence.Registry { return h.registry }

func (h *Hub) Persister() persistence.Persister { return h.persister }

// NoClients returns the number of connected clients.
func (h *Hub) NoClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectionOf resolves the live connection of an identity, if any.
func (h *Hub) ConnectionOf(identityID string) (string, bool) {
	p, ok := h.registry.ByIdentity(identityID)
	if !ok {
		return "", false
	}
	return p.ConnectionID, true
}

func (h *Hub) backlogSize() int {
	if h.cfg != nil && h.cfg.BacklogConfig.Size > 0 {
		return h.cfg.BacklogConfig.Size
	}
	return 50
}

// Run is the main hub event loop handling register, unregister and publish
// events. It also drives the periodic expired-message sweep; a tick is
// skipped when the previous sweep is still in flight.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	schedule := "@hourly"
	if h.cfg != nil && h.cfg.SweepConfig.Schedule != "" {
		schedule = h.cfg.SweepConfig.Schedule
	}
	entryId, err := cronRunner.AddFunc(schedule, h.sweepExpired)
	if err != nil {
		globals.AppLogger.Error("could not schedule expiry sweep", "error", err)
	} else {
		defer cronRunner.Remove(entryId)
	}
	cronRunner.Start()
	defer cronRunner.Stop()
	for {
		select {
		case client := <-h.register:
			globals.AppLogger.Debug("register new client", "connectionId", client.connectionID)
			h.mu.Lock()
			h.clients[client.connectionID] = client
			h.mu.Unlock()
			h.registry.Register(client.connectionID, client.participant)
			h.fanOut(h.makeEnvelope(AllExcept(client.connectionID), types.EventParticipantJoined, client.participant.PresenceEntry(), false))
			h.fanOut(h.makeEnvelope(All(), types.EventPresenceSnapshot, h.registry.Snapshot(), false))
			close(client.registered)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.connectionID]; ok {
				delete(h.clients, client.connectionID)
				h.mu.Unlock()
				globals.AppLogger.Debug("unregister client", "connectionId", client.connectionID)
				h.registry.Unregister(client.connectionID)
				client.closeSend()
				h.fanOut(h.makeEnvelope(All(), types.EventParticipantLeft, client.participant.PresenceEntry(), false))
				h.fanOut(h.makeEnvelope(All(), types.EventPresenceSnapshot, h.registry.Snapshot(), false))
			} else {
				h.mu.Unlock()
			}

		case env := <-h.publish:
			h.fanOut(env)

		case <-h.done:
			// flush pending broadcasts, then force-disconnect everyone
			for {
				select {
				case env := <-h.publish:
					h.fanOut(env)
				default:
					h.drain()
					close(h.stopped)
					return
				}
			}
		}
	}
}

// Publish fans out an event to the given audience. Delivery is fire and
// forget: clients whose send buffer is full are skipped.
func (h *Hub) Publish(audience Audience, event string, payload interface{}) {
	h.enqueue(h.makeEnvelope(audience, event, payload, false))
}

// PublishAndClose delivers a final event to a single connection and closes it
// after the message has been handed to the write loop.
func (h *Hub) PublishAndClose(connectionID, event string, payload interface{}) {
	h.enqueue(h.makeEnvelope(Single(connectionID), event, payload, true))
}

func (h *Hub) makeEnvelope(audience Audience, event string, payload interface{}, closeAfter bool) envelope {
	env := envelope{audience: audience, event: event, created: h.Now().Unix(), closeAfter: closeAfter}
	data, err := types.NewWireMessage(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal wire message", "event", event, "error", err)
		return env
	}
	env.data = data
	if audience.Filter != "" {
		prog, err := expr.Compile(audience.Filter, expr.Env(filter.Env{}))
		if err != nil {
			globals.AppLogger.Error("could not compile target filter", "filter", audience.Filter, "error", err)
		} else {
			env.prog = prog
		}
	}
	return env
}

func (h *Hub) enqueue(env envelope) {
	if env.data == nil {
		return
	}
	select {
	case h.publish <- env:
	case <-h.done:
	}
}

// fanOut delivers an envelope to its audience. Called from the Run loop only,
// so per-client delivery order matches publish order.
func (h *Hub) fanOut(env envelope) {
	if env.data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if env.audience.Kind == AudienceSingle {
		if client, ok := h.clients[env.audience.ConnectionID]; ok && client.runFilter(env) {
			client.trySend(env.data)
			if env.closeAfter {
				client.trySend(nil)
			}
		}
		return
	}
	for connectionID, client := range h.clients {
		if env.audience.Kind == AudienceAllExcept && connectionID == env.audience.ConnectionID {
			continue
		}
		if env.audience.Kind == AudienceModerators && !client.isModerator {
			continue
		}
		if !client.runFilter(env) {
			continue
		}
		client.trySend(env.data)
	}
}

func (h *Hub) sweepExpired() {
	n, err := h.persister.PurgeExpired(h.Now())
	if err != nil {
		globals.AppLogger.Error("could not purge expired messages", "error", err)
		return
	}
	if n > 0 {
		globals.AppLogger.Info("purged expired messages", "count", n)
	}
}

// drain disconnects all clients. Called from the Run loop during shutdown.
func (h *Hub) drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connectionID, client := range h.clients {
		h.registry.Unregister(connectionID)
		client.close()
		client.closeSend()
		delete(h.clients, connectionID)
	}
}

// Shutdown stops the Run loop and disconnects all clients. It blocks until
// the loop has drained.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}
