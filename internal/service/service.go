// Package service wires the chat service together and exposes its RPC
// surface over HTTP.
package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/config"
	"github.com/techresidents/chatsvc/internal/garbage"
	"github.com/techresidents/chatsvc/internal/handlers"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/membership"
	"github.com/techresidents/chatsvc/internal/monitoring"
	"github.com/techresidents/chatsvc/internal/persistence"
	"github.com/techresidents/chatsvc/internal/replication"
	"github.com/techresidents/chatsvc/internal/store"
)

// Deps are the service's external collaborators. Production wiring
// passes the pgx-backed stores and the NATS bus; tests pass in-memory
// fakes.
type Deps struct {
	Logger   zerolog.Logger
	Metadata chat.MetadataStore
	Archive  store.ArchiveStore
	Bus      membership.Bus

	// Health reports presence-bus connectivity for /healthz. Optional.
	Health interface{ Connected() bool }

	// Peers overrides the outbound peer client. Tests use an
	// in-process implementation; nil selects HTTP.
	Peers PeerClient
}

// Service owns every component and their start/stop ordering.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	self   hashring.Node

	ring       *hashring.Ring
	chats      *chat.Manager
	handlers   *handlers.Manager
	voice      *handlers.VoiceManager
	replicator *replication.Replicator
	persister  *persistence.Persister
	gc         *garbage.Collector
	dispatcher *Dispatcher
	announcer  *membership.Announcer
	watcher    *membership.Watcher
	system     *monitoring.SystemCollector
	httpSrv    *http.Server
	listener   net.Listener

	stopOnce sync.Once
}

// New wires a service. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	logger := deps.Logger

	port, err := listenPort(cfg.Addr)
	if err != nil {
		return nil, err
	}
	self := hashring.Node{
		ServiceKey:  uuid.NewString(),
		ServiceName: "chatsvc",
		Hostname:    cfg.Hostname,
		FQDN:        cfg.Hostname,
		Address:     cfg.AdvertiseAddr,
		Port:        port,
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		self:   self,
		ring:   hashring.New(logger),
		chats:  chat.NewManager(deps.Metadata, cfg.ExpirationGrace, logger),
	}

	s.handlers = handlers.NewManager(handlers.Default(), cfg.IdleThreshold)
	s.voice = handlers.NewVoiceManager(handlers.DefaultVoice())

	peers := deps.Peers
	if peers == nil {
		peers = newHTTPPeers(s.ring, cfg.MaxConnsPerPeer, logger)
	}

	s.replicator = replication.New(replication.Options{
		Self:        self,
		DefaultN:    cfg.ReplicationN,
		DefaultW:    cfg.ReplicationW,
		PoolSize:    cfg.ReplicationPoolSize,
		SendTimeout: cfg.ReplicationTimeout,
		DedupByHost: !cfg.AllowSameHost,
	}, s.ring, s.chats, peers, logger)

	s.persister = persistence.New(deps.Archive, s.chats, s.ring, self, cfg.PersistencePoolSize, logger)
	s.gc = garbage.New(s.chats, cfg.GCInterval, cfg.GCThrottle, logger)

	s.announcer = membership.NewAnnouncer(deps.Bus, self, cfg.HashringPositions, cfg.PresenceHeartbeat, logger)
	s.watcher = membership.NewWatcher(deps.Bus, s.ring, cfg.PresenceHeartbeat, logger)

	s.dispatcher = NewDispatcher(cfg, self, s.ring, s.chats, s.handlers,
		s.replicator, s.persister, peers, s.announcer.Suspend, logger)

	s.persister.Subscribe(s.dispatcher.OnChatPersisted)
	s.gc.Subscribe(s.dispatcher.OnZombieChat)

	s.system = monitoring.NewSystemCollector(15*time.Second, logger)

	web := newHTTPServer(s.dispatcher, s.voice, deps.Health, s.chats, s.ring, cfg.Hostname, logger)
	s.httpSrv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     web.router(),
		ReadTimeout: 30 * time.Second,
		// Long polls hold the response open up to LongPollWait.
		WriteTimeout: cfg.LongPollWait + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	return s, nil
}

// Self returns this node's ring identity.
func (s *Service) Self() hashring.Node { return s.self }

// Dispatcher exposes the RPC surface for in-process callers.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Ring exposes the hashring.
func (s *Service) Ring() *hashring.Ring { return s.ring }

// Chats exposes the chat registry.
func (s *Service) Chats() *chat.Manager { return s.chats }

// GC exposes the garbage collector (tests drive sweeps directly).
func (s *Service) GC() *garbage.Collector { return s.gc }

// Handler returns the HTTP handler, for tests serving over httptest.
func (s *Service) Handler() http.Handler { return s.httpSrv.Handler }

// Start brings components up: observability, membership (watcher
// before announcer so this node sees its own join), worker pools, GC,
// then the HTTP listener.
func (s *Service) Start() error {
	s.system.Start()

	if err := s.watcher.Start(); err != nil {
		return fmt.Errorf("membership watcher: %w", err)
	}
	s.announcer.Start()

	s.replicator.Start()
	s.persister.Start()
	s.gc.Start()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("service_key", s.self.ServiceKey).
		Msg("chatsvc started")
	return nil
}

// Stop tears down in the critical order: leave the ring first so peers
// start catch-up replication, let that settle, stop the sweepers and
// worker pools with their queues draining, release outstanding
// long-polls, then close the HTTP server. External store and bus
// clients are closed by the caller afterward.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("chatsvc stopping")
		s.dispatcher.Shutdown()

		s.announcer.Stop()
		time.Sleep(s.cfg.PresenceHeartbeat)
		s.watcher.Stop()

		s.gc.Stop()
		s.replicator.Stop()
		s.persister.Stop()

		s.chats.TriggerAll()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown incomplete")
		}

		s.system.Stop()
		s.logger.Info().Msg("chatsvc stopped")
	})
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	return port, nil
}
