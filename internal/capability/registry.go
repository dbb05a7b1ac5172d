package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce        = "ctrl.node.announce"
	subjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// CapabilitySTT is advertised by every node running the STT service.
	CapabilitySTT = "stt.streaming"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the registry's view of a node. Sessions is the number of
// streams the node reported in its last heartbeat.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Sessions     int          `json:"sessions"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

// STT describes the recognition capability of a node configured with cfg.
func STT(cfg config.STTConfig) Capability {
	attrs := map[string]string{
		"engine":      cfg.Engine,
		"speech_mode": cfg.SpeechMode,
		"sample_rate": strconv.Itoa(cfg.SampleRate),
	}
	if cfg.Language != "" {
		attrs["language"] = cfg.Language
	}
	tier := "balanced"
	if cfg.Engine == "mock" {
		tier = "test"
	}
	return Capability{Name: CapabilitySTT, Tier: tier, Attributes: attrs}
}

type Options struct {
	Node  config.NodeConfig
	Local []Capability
	// Load reports the node's active stream count for heartbeats.
	Load func() int
}

type Registry struct {
	cfg       config.NodeConfig
	local     []Capability
	load      func() int
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	clock     func() time.Time
}

func NewRegistry(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	load := opts.Load
	if load == nil {
		load = func() int { return 0 }
	}
	r := &Registry{
		cfg:    opts.Node,
		local:  append(convertCapabilities(opts.Node.Capabilities), opts.Local...),
		load:   load,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-stt/internal/capability"),
		cancel: cancel,
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(opts.Node.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(r.clock())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, -1, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Sessions:  r.load(),
		Timestamp: r.clock().UTC(),
	}
	return r.bus.PublishJSON(subjectHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, -1, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Sessions, hb.Timestamp)
}

// updateNode merges an announcement or heartbeat. A negative sessions value
// leaves the last reported load untouched.
func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, sessions int, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if sessions >= 0 {
		node.Sessions = sessions
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		copy := *node
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	return results
}

// LeastLoaded picks the healthy node advertising name with the fewest
// active sessions.
func (r *Registry) LeastLoaded(name string) (NodeInfo, bool) {
	offers := WithCapabilityFilter(name)
	var best NodeInfo
	found := false
	for _, node := range r.Query(func(n NodeInfo) bool { return n.Healthy && offers(n) }) {
		if !found || node.Sessions < best.Sessions || (node.Sessions == best.Sessions && node.ID < best.ID) {
			best, found = node, true
		}
	}
	return best, found
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	sessionGauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.sessions", metric.WithDescription("Streams reported by known nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, sessions := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(sessionGauge, sessions)
		return nil
	}, gauge, sessionGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes int64
	var sessions int64
	for _, node := range r.nodes {
		nodes++
		sessions += int64(node.Sessions)
	}
	return nodes, sessions
}

func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.local...)
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, cap := range source {
		result = append(result, Capability{
			Name:       cap.Name,
			Tier:       cap.Tier,
			Attributes: cap.Attributes,
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, cap := range node.Capabilities {
			if cap.Name == name {
				return true
			}
		}
		return false
	}
}
