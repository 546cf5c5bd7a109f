package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// Factory builds a live variant for an account.
type Factory func(acct models.BrokerAccount) (Broker, error)

// RegistryConfig configures the variants a Registry builds.
type RegistryConfig struct {
	Simulated SimulatedConfig
	// Clients holds per-kind guard settings; missing kinds get no rate limit.
	Clients map[models.BrokerKind]ClientConfig
}

type registryKey struct {
	brokerID  string
	accountID string
	mode      models.TradingMode
}

// Registry selects and caches one Client per (broker, account, mode). It is
// the only place that looks at which broker an account belongs to.
type Registry struct {
	cfg       RegistryConfig
	logger    zerolog.Logger
	factories map[models.BrokerKind]Factory

	mu      sync.Mutex
	clients map[registryKey]*Client
}

// NewRegistry creates an empty registry with no live factories.
func NewRegistry(cfg RegistryConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		logger:    logger.With().Str("component", "broker_registry").Logger(),
		factories: make(map[models.BrokerKind]Factory),
		clients:   make(map[registryKey]*Client),
	}
}

// RegisterFactory installs the builder for a live broker kind.
func (r *Registry) RegisterFactory(kind models.BrokerKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Get returns the connected client for acct in mode, building it on first
// use. Paper mode, simulated accounts and live accounts without a session
// token are routed to a simulated broker.
func (r *Registry) Get(ctx context.Context, acct models.BrokerAccount, mode models.TradingMode) (*Client, error) {
	key := registryKey{brokerID: acct.BrokerID, accountID: acct.ID, mode: mode}

	r.mu.Lock()
	if c, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	factory := r.factories[acct.Kind]
	r.mu.Unlock()

	kind := acct.Kind
	var inner Broker
	if r.simulated(acct, mode) {
		kind = models.BrokerSimulated
		cfg := r.cfg.Simulated
		cfg.Name = acct.BrokerID
		if cfg.Name == "" {
			cfg.Name = string(models.BrokerSimulated)
		}
		inner = NewSimulatedBroker(cfg)
		if mode == models.ModeLive {
			r.logger.Warn().
				Str("broker", acct.BrokerID).
				Str("account", acct.ID).
				Msg("Live account has no session, routing to simulated broker")
		}
	} else {
		if factory == nil {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "no broker factory for kind %q", acct.Kind)
		}
		b, err := factory(acct)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s broker: %w", acct.Kind, err)
		}
		inner = b
	}

	client := NewClient(inner, r.cfg.Clients[kind])
	creds := models.Credentials{ClientID: acct.ClientID, AccessToken: acct.AccessToken}
	if _, err := client.Connect(ctx, creds); err != nil {
		return nil, fmt.Errorf("failed to connect %s account %s: %w", acct.BrokerID, acct.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[key]; ok {
		return existing, nil
	}
	r.clients[key] = client

	r.logger.Info().
		Str("broker", acct.BrokerID).
		Str("account", acct.ID).
		Str("mode", string(mode)).
		Str("variant", string(kind)).
		Msg("Broker client ready")
	return client, nil
}

func (r *Registry) simulated(acct models.BrokerAccount, mode models.TradingMode) bool {
	if mode != models.ModeLive {
		return true
	}
	return acct.Kind == models.BrokerSimulated || acct.Kind == "" || acct.AccessToken == ""
}

// Invalidate drops the cached client so the next Get reconnects.
func (r *Registry) Invalidate(brokerID, accountID string, mode models.TradingMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, registryKey{brokerID: brokerID, accountID: accountID, mode: mode})
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
