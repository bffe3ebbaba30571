package registry

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ammscope/internal/asset"
	"ammscope/internal/ledger"
	"ammscope/internal/pool"
	"ammscope/internal/storage"
)

var (
	// ErrPoolNotFound is returned when a pair has no pool.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrUnauthorized is returned when pool creation is restricted to an
	// authority and the caller is not it.
	ErrUnauthorized = errors.New("caller not authorized to create pools")
)

type pairKey struct {
	low, high asset.ID
}

// Registry maps each unordered asset pair to exactly one pool. Creation is
// idempotent per pair.
type Registry struct {
	mu    sync.RWMutex
	pools map[pairKey]*pool.Pool
	order []*pool.Pool

	authority common.Address
	ledger    *ledger.Ledger
	sink      storage.Sink
	logger    *zap.Logger
	now       func() uint64
}

// Config carries the collaborators shared by every pool the registry creates.
// A zero Authority leaves creation open to any caller.
type Config struct {
	Authority common.Address
	Ledger    *ledger.Ledger
	Sink      storage.Sink
	Logger    *zap.Logger
	Now       func() uint64
}

// New builds an empty registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pools:     make(map[pairKey]*pool.Pool),
		authority: cfg.Authority,
		ledger:    cfg.Ledger,
		sink:      cfg.Sink,
		logger:    logger,
		now:       cfg.Now,
	}
}

// Create returns the pool for the pair, creating it when absent.
func (r *Registry) Create(from, tokenA, tokenB common.Address) (*pool.Pool, error) {
	if r.authority != (common.Address{}) && from != r.authority {
		return nil, ErrUnauthorized
	}
	low, high, err := asset.SortPair(tokenA, tokenB)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{low: low, high: high}
	if existing, ok := r.pools[key]; ok {
		return existing, nil
	}

	created := pool.New(low, high, r.ledger, r.sink, r.logger, r.now)
	r.pools[key] = created
	r.order = append(r.order, created)

	r.logger.Info("pool created",
		zap.String("pool", created.Address().Hex()),
		zap.String("token_low", low.Hex()),
		zap.String("token_high", high.Hex()),
	)
	return created, nil
}

// Get resolves the pool for the pair.
func (r *Registry) Get(tokenA, tokenB common.Address) (*pool.Pool, error) {
	low, high, err := asset.SortPair(tokenA, tokenB)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.pools[pairKey{low: low, high: high}]; ok {
		return p, nil
	}
	return nil, ErrPoolNotFound
}

// Len returns the number of pools created so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All returns the pools in creation order.
func (r *Registry) All() []*pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pool.Pool, len(r.order))
	copy(out, r.order)
	return out
}
