// Package cluster is the hub's view of its peers: who is reachable, in what
// order, and when membership changes. The production implementation rides
// hashicorp/memberlist, which also supplies the reliable node-to-node
// channel the wire protocol travels over.
package cluster

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"processhub/internal/logging"
	"processhub/internal/registry"
	"processhub/internal/transport"
)

// leaveTimeout is 5s: long enough to broadcast the leave intent, short
// enough not to stall a shutdown on a broken network.
const leaveTimeout = 5 * time.Second

// Config carries the memberlist-facing settings of one node.
type Config struct {
	NodeName      string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	// EncryptionKey is an optional base64-encoded 32-byte gossip key.
	EncryptionKey string
	Seeds         []string
}

// Service runs the local memberlist instance. It implements both the View
// port and the transport.Transport port: one gossip layer serves membership
// and message delivery.
type Service struct {
	hub    string
	name   string
	log    *slog.Logger
	broker *Broker

	mu      sync.Mutex
	ml      *memberlist.Memberlist
	handler transport.Handler
}

var _ View = (*Service)(nil)
var _ transport.Transport = (*Service)(nil)

// NewService creates and binds the memberlist instance. Join the seeds with
// Join; the service emits membership events from that point on.
func NewService(hub string, cfg Config) (*Service, error) {
	s := &Service{
		hub:    hub,
		log:    logging.Component("cluster").With("hub", hub),
		broker: NewBroker(),
	}

	mlCfg := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlCfg.Name = cfg.NodeName
	}
	s.name = mlCfg.Name
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlCfg.BindPort = cfg.BindPort
	}
	if cfg.AdvertiseAddr != "" {
		mlCfg.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.AdvertisePort != 0 {
		mlCfg.AdvertisePort = cfg.AdvertisePort
	}
	if cfg.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		mlCfg.SecretKey = key
	}
	mlCfg.Delegate = (*mlDelegate)(s)
	mlCfg.Events = (*mlEvents)(s)
	mlCfg.LogOutput = slogWriter{s.log}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	s.ml = ml
	return s, nil
}

// Join contacts the configured seeds. Joining zero seeds bootstraps a new
// cluster and is not an error.
func (s *Service) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	n, err := s.ml.Join(seeds)
	if err != nil && n == 0 {
		return fmt.Errorf("join cluster: %w", err)
	}
	s.log.Info("joined cluster", "contacted", n)
	return nil
}

// Leave broadcasts the leave intent and shuts the instance down.
func (s *Service) Leave() error {
	if err := s.ml.Leave(leaveTimeout); err != nil {
		s.log.Warn("cluster leave broadcast failed", "err", err)
	}
	err := s.ml.Shutdown()
	s.broker.Close()
	return err
}

// Self implements View and transport.Transport. Delegate callbacks can fire
// while memberlist.Create is still running, so this must not touch s.ml.
func (s *Service) Self() string { return s.name }

// Nodes implements View.
func (s *Service) Nodes(includeSelf bool) []string {
	self := s.Self()
	members := s.ml.Members()
	nodes := make([]string, 0, len(members))
	for _, m := range members {
		if !includeSelf && m.Name == self {
			continue
		}
		nodes = append(nodes, m.Name)
	}
	slices.Sort(nodes)
	return nodes
}

// Subscribe implements View.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.broker.Subscribe()
}

// SetHandler implements transport.Transport.
func (s *Service) SetHandler(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Send implements transport.Transport.
func (s *Service) Send(node string, env transport.Envelope) error {
	var target *memberlist.Node
	for _, m := range s.ml.Members() {
		if m.Name == node {
			target = m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", registry.ErrNotInCluster, node)
	}

	b, err := transport.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.ml.SendReliable(target, b); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Kind, node, err)
	}
	return nil
}

// mlDelegate receives user-level messages; only NotifyMsg carries traffic,
// the state-merge hooks are unused because the registry gossips itself.
type mlDelegate Service

func (d *mlDelegate) NodeMeta(limit int) []byte { return nil }

func (d *mlDelegate) NotifyMsg(b []byte) {
	s := (*Service)(d)
	env, err := transport.Unmarshal(b)
	if err != nil {
		s.log.Warn("dropping undecodable message", "err", err)
		return
	}
	if env.Hub != s.hub {
		return
	}
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (d *mlDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *mlDelegate) LocalState(join bool) []byte                { return nil }
func (d *mlDelegate) MergeRemoteState(buf []byte, join bool)     {}

// mlEvents translates memberlist node events into broker events.
type mlEvents Service

func (e *mlEvents) NotifyJoin(n *memberlist.Node) {
	s := (*Service)(e)
	if n.Name == s.Self() {
		return
	}
	s.log.Info("node joined", "node", n.Name)
	s.broker.Publish(Event{Kind: Joined, Node: n.Name})
}

func (e *mlEvents) NotifyLeave(n *memberlist.Node) {
	s := (*Service)(e)
	if n.Name == s.Self() {
		return
	}
	s.log.Info("node left", "node", n.Name)
	s.broker.Publish(Event{Kind: Left, Node: n.Name})
}

func (e *mlEvents) NotifyUpdate(n *memberlist.Node) {}

// slogWriter adapts memberlist's log output onto slog at debug level.
type slogWriter struct{ log *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.log.Debug(string(p))
	return len(p), nil
}
