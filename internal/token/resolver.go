package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"question-bounty/internal/ledger"
	"question-bounty/internal/logger"

	"github.com/ethereum/go-ethereum/common"
)

// MetadataSource reads ERC-20 metadata from the chain.
type MetadataSource interface {
	TokenMetadata(ctx context.Context, token common.Address) (ledger.TokenInfo, error)
}

type cacheEntry struct {
	info      ledger.TokenInfo
	fetchedAt time.Time
}

// Resolver fetches and caches token metadata (decimals, symbol) per token address.
// Metadata practically never changes, so entries live for a long TTL.
type Resolver struct {
	src   MetadataSource
	log   *logger.Logger
	mu    sync.RWMutex
	cache map[common.Address]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

func NewResolver(src MetadataSource, ttl time.Duration, log *logger.Logger) *Resolver {
	if src == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{
		src:   src,
		log:   log.With("token"),
		cache: map[common.Address]cacheEntry{},
		ttl:   ttl,
		now:   time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, token common.Address) (ledger.TokenInfo, error) {
	if r == nil {
		return ledger.TokenInfo{}, fmt.Errorf("token resolver not configured")
	}

	// Fast path: cached
	r.mu.RLock()
	e, ok := r.cache[token]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.fetchedAt) <= r.ttl {
		return e.info, nil
	}

	info, err := r.src.TokenMetadata(ctx, token)
	if err != nil {
		if ok {
			// Serve stale metadata rather than failing a conversion.
			r.log.Warnf("refresh %s failed, serving cached: %v", token.Hex(), err)
			return e.info, nil
		}
		return ledger.TokenInfo{}, fmt.Errorf("token metadata %s: %w", token.Hex(), err)
	}

	r.mu.Lock()
	r.cache[token] = cacheEntry{info: info, fetchedAt: r.now()}
	r.mu.Unlock()
	r.log.Printf("resolved %s symbol=%s decimals=%d", token.Hex(), info.Symbol, info.Decimals)
	return info, nil
}

// ToDisplay converts base units of token into display units.
func (r *Resolver) ToDisplay(ctx context.Context, token common.Address, base string) (float64, error) {
	info, err := r.Resolve(ctx, token)
	if err != nil {
		return 0, err
	}
	return FormatUnits(parseBase(base), info.Decimals), nil
}
