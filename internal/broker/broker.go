// Package broker is the composition root (spec §4.9): it reads a
// config.Config and wires the RetainedStore, SessionStore, MessageBus,
// SubscriptionIndex, optional AuthPolicy, SessionHandler, client.Registry
// and every configured Listener into one running broker. Grounded on the
// teacher's cmd/goqtt/main.go, which played this role directly; that
// wiring outgrew main.go as the spec added cluster/store/auth options, so
// it now lives here and main.go stays a thin CLI shell.
package broker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/monstermq/broker/internal/auth"
	"github.com/monstermq/broker/internal/bus"
	"github.com/monstermq/broker/internal/client"
	"github.com/monstermq/broker/internal/config"
	"github.com/monstermq/broker/internal/handler"
	"github.com/monstermq/broker/internal/listener"
	"github.com/monstermq/broker/internal/logger"
	"github.com/monstermq/broker/internal/retained"
	"github.com/monstermq/broker/internal/session"
	"github.com/monstermq/broker/internal/subscription"
)

// servable is the shape every Listener/WSServer shares.
type servable interface {
	Serve(ctx context.Context) error
	Close() error
}

// Broker owns every long-lived component built from a config.Config and
// coordinates their startup and shutdown.
type Broker struct {
	cfg *config.Config
	log *logger.Logger

	dbs       []*sql.DB
	bus       bus.Bus
	subs      *subscription.Index
	retained  retained.Store
	sessions  session.Store
	authStore *auth.Store
	registry  *client.Registry
	handler   *handler.Handler

	listeners []servable
	wg        sync.WaitGroup
}

// New builds every component New* wires together, opening whatever SQL
// stores, cluster bus and listeners cfg asks for, but does not start
// accepting connections yet — call Run for that.
func New(cfg *config.Config, log *logger.Logger) (*Broker, error) {
	b := &Broker{cfg: cfg, log: log}

	retainedStore, err := b.buildRetainedStore()
	if err != nil {
		return nil, fmt.Errorf("broker: retained store: %w", err)
	}
	b.retained = retainedStore

	sessionStore, err := b.buildSessionStore()
	if err != nil {
		return nil, fmt.Errorf("broker: session store: %w", err)
	}
	b.sessions = sessionStore

	msgBus, err := b.buildBus()
	if err != nil {
		return nil, fmt.Errorf("broker: message bus: %w", err)
	}
	b.bus = msgBus

	if cfg.AuthDSN != "" {
		authStore, err := b.buildAuthStore()
		if err != nil {
			return nil, fmt.Errorf("broker: auth store: %w", err)
		}
		b.authStore = authStore
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = "node-1"
	}
	b.subs = subscription.New(nodeID, msgBus)
	b.registry = client.NewRegistry()
	b.handler = handler.New(b.retained, b.sessions, b.subs, msgBus, b.registry, log)
	b.handler.AllowRootWildcardSubscription = cfg.AllowRootWildcardSubscription

	listeners, err := b.buildListeners()
	if err != nil {
		return nil, fmt.Errorf("broker: listeners: %w", err)
	}
	b.listeners = listeners

	return b, nil
}

func (b *Broker) buildRetainedStore() (retained.Store, error) {
	if b.cfg.RetainedStoreType != "sql" {
		return retained.NewMemory(), nil
	}
	db, err := b.openDB(b.cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	return retained.NewSQLStore(db)
}

func (b *Broker) buildSessionStore() (session.Store, error) {
	queueCap := b.cfg.MessageQueueSize
	if b.cfg.SessionStoreType != "sql" {
		return session.NewMemory(queueCap), nil
	}
	db, err := b.openDB(b.cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	return session.NewSQLStore(db, queueCap)
}

func (b *Broker) buildAuthStore() (*auth.Store, error) {
	db, err := b.openDB(b.cfg.AuthDSN)
	if err != nil {
		return nil, err
	}
	return auth.New(db), nil
}

// openDB opens dsn with the sqlite3 driver. The session and retained
// stores are free to share one DSN (spec §6 StoreDSN); each call opens
// its own *sql.DB handle, which database/sql pools independently, so
// sharing a DSN is safe without extra bookkeeping here.
func (b *Broker) openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	b.dbs = append(b.dbs, db)
	return db, nil
}

func (b *Broker) buildBus() (bus.Bus, error) {
	if b.cfg.ClusterBus != "nats" {
		return bus.NewInProc(), nil
	}
	nodeID := b.cfg.NodeID
	if nodeID == "" {
		nodeID = "node-1"
	}
	return bus.NewExternal(b.cfg.NATSUrl, b.cfg.ClusterName, nodeID, b.log)
}

func (b *Broker) buildListeners() ([]servable, error) {
	var out []servable
	opts := client.Options{
		Auth:             b.authStore,
		KeepAliveGrace:   b.cfg.KeepAliveGrace,
		QoSRetryInterval: time.Duration(b.cfg.QoS2RetryInterval) * time.Second,
		QoSMaxRetries:    b.cfg.QoS2RetryCount,
		MaxMessageSize:   b.cfg.MaxMessageSizeKb * 1024,
		MaxPublishRate:   b.cfg.MaxPublishRate,
		MaxSubscribeRate: b.cfg.MaxSubscribeRate,
	}

	if b.cfg.TCPPort != "" {
		ln, err := listener.NewTCP(":"+b.cfg.TCPPort, b.handler, b.registry, b.log, opts, b.cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("tcp listen: %w", err)
		}
		out = append(out, ln)
	}

	if b.cfg.TCPSPort != "" && b.cfg.TLSCertFile != "" {
		tlsConf, err := loadTLSConfig(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("tcps tls config: %w", err)
		}
		ln, err := listener.NewTCPS(":"+b.cfg.TCPSPort, tlsConf, b.handler, b.registry, b.log, opts, b.cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("tcps listen: %w", err)
		}
		out = append(out, ln)
	}

	if b.cfg.WSPort != "" {
		ws := listener.NewWS(":"+b.cfg.WSPort, b.cfg.WSPath, b.handler, b.registry, b.log, opts)
		out = append(out, ws)
	}

	if b.cfg.WSSPort != "" && b.cfg.TLSCertFile != "" {
		tlsConf, err := loadTLSConfig(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("wss tls config: %w", err)
		}
		wss := listener.NewWSS(":"+b.cfg.WSSPort, b.cfg.WSPath, tlsConf, b.handler, b.registry, b.log, opts)
		out = append(out, wss)
	}

	return out, nil
}

// Run starts every configured listener and blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	for _, ln := range b.listeners {
		ln := ln
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := ln.Serve(ctx); err != nil && b.log != nil {
				b.log.LogError(err, "listener serve")
			}
		}()
	}
	<-ctx.Done()
	return b.Shutdown()
}

// Shutdown closes every listener, waits for their accept loops to exit,
// then closes the stores' underlying database handles.
func (b *Broker) Shutdown() error {
	for _, ln := range b.listeners {
		ln.Close()
	}
	b.wg.Wait()
	if b.bus != nil {
		b.bus.Close()
	}
	for _, db := range b.dbs {
		db.Close()
	}
	return nil
}

// ConnectedClients reports the number of clients currently attached to
// this node, for a future metrics/status surface.
func (b *Broker) ConnectedClients() int {
	return b.registry.Count()
}
