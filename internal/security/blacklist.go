package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BlacklistConfig configures the blacklist manager.
type BlacklistConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	CacheWindow   time.Duration `mapstructure:"cache_window" yaml:"cache_window"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// DefaultBlacklistConfig returns the default blacklist configuration.
func DefaultBlacklistConfig() BlacklistConfig {
	return BlacklistConfig{
		SweepInterval: 5 * time.Minute,
		CacheWindow:   2 * time.Second,
		DefaultTTL:    24 * time.Hour,
	}
}

// BlacklistManager maintains active IP blocks with TTL expiry. Block is
// idempotent; the lookup-then-insert is a tolerated race because every
// read asks "is there any active, unexpired entry" rather than assuming
// exactly one row. IsBlocked sits on the hot request path and is fronted
// by a short-lived cache.
type BlacklistManager struct {
	logger *zap.Logger
	config BlacklistConfig
	store  BlacklistStore
	cache  *bigcache.BigCache
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBlacklistManager creates a blacklist manager over the given store.
func NewBlacklistManager(logger *zap.Logger, config BlacklistConfig, store BlacklistStore) (*BlacklistManager, error) {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if config.CacheWindow <= 0 {
		config.CacheWindow = 2 * time.Second
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}

	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(config.CacheWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to create blacklist cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &BlacklistManager{
		logger: logger,
		config: config,
		store:  store,
		cache:  cache,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the periodic expiry sweep.
func (bm *BlacklistManager) Start() error {
	bm.logger.Info("Starting blacklist manager",
		zap.Duration("sweep_interval", bm.config.SweepInterval),
	)

	bm.wg.Add(1)
	go bm.sweepLoop()

	return nil
}

// Stop stops the sweep loop.
func (bm *BlacklistManager) Stop() error {
	bm.cancel()
	bm.wg.Wait()
	return nil
}

// Block inserts an active entry for the IP unless one already exists.
// A duplicate block attempt is a no-op success, not a new row. A zero
// ttl uses the configured default.
func (bm *BlacklistManager) Block(ctx context.Context, ip, reason string, severity Severity, incidentID string, ttl time.Duration) error {
	if ip == "" {
		return fmt.Errorf("ip address required")
	}
	if ttl <= 0 {
		ttl = bm.config.DefaultTTL
	}

	now := bm.now()

	existing, err := bm.store.ActiveEntry(ctx, ip, now)
	if err != nil {
		return fmt.Errorf("failed to look up active entry: %w", err)
	}
	if existing != nil {
		bm.logger.Debug("IP already blacklisted", zap.String("ip", ip))
		return nil
	}

	sourceType := SourceManual
	if incidentID != "" {
		sourceType = SourceAutomatic
	}

	entry := &BlacklistEntry{
		ID:              uuid.NewString(),
		IPAddress:       ip,
		Reason:          reason,
		Severity:        severity,
		SourceType:      sourceType,
		IncidentID:      incidentID,
		IsActive:        true,
		AutomaticExpiry: true,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}

	if err := bm.store.InsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert blacklist entry: %w", err)
	}

	bm.invalidate(ip)

	bm.logger.Info("IP blacklisted",
		zap.String("ip", ip),
		zap.String("severity", string(severity)),
		zap.String("incident_id", incidentID),
		zap.Duration("ttl", ttl),
	)

	return nil
}

// IsBlocked reports whether any active, unexpired entry exists for the
// IP. Store failures degrade to "not blocked" so a failing store never
// takes the edge down.
func (bm *BlacklistManager) IsBlocked(ctx context.Context, ip string) bool {
	if cached, err := bm.cache.Get(ip); err == nil && len(cached) == 1 {
		return cached[0] == 1
	}

	entry, err := bm.store.ActiveEntry(ctx, ip, bm.now())
	if err != nil {
		bm.logger.Warn("Blacklist lookup failed", zap.String("ip", ip), zap.Error(err))
		return false
	}

	blocked := byte(0)
	if entry != nil {
		blocked = 1
	}
	if err := bm.cache.Set(ip, []byte{blocked}); err != nil {
		bm.logger.Debug("Blacklist cache set failed", zap.Error(err))
	}

	return blocked == 1
}

// Revoke deactivates all active entries for the IP.
func (bm *BlacklistManager) Revoke(ctx context.Context, ip, reason string) (int, error) {
	count, err := bm.store.DeactivateByIP(ctx, ip, bm.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke blacklist entries: %w", err)
	}

	bm.invalidate(ip)

	if count > 0 {
		bm.logger.Info("Blacklist entries revoked",
			zap.String("ip", ip),
			zap.String("reason", reason),
			zap.Int("count", count),
		)
	}

	return count, nil
}

// SweepExpired deactivates active, auto-expiring entries past their
// expiry. Idempotent; safe on a fixed schedule. Returns the count
// deactivated.
func (bm *BlacklistManager) SweepExpired(ctx context.Context) (int, error) {
	count, err := bm.store.DeactivateExpired(ctx, bm.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}

	if count > 0 {
		// Swept IPs are unknown here, flush the whole lookup cache.
		if err := bm.cache.Reset(); err != nil {
			bm.logger.Debug("Blacklist cache reset failed", zap.Error(err))
		}
		bm.logger.Info("Expired blacklist entries deactivated", zap.Int("count", count))
	}

	return count, nil
}

// ActiveEntries lists all active, unexpired entries.
func (bm *BlacklistManager) ActiveEntries(ctx context.Context) ([]*BlacklistEntry, error) {
	return bm.store.ActiveEntries(ctx, bm.now())
}

func (bm *BlacklistManager) invalidate(ip string) {
	if err := bm.cache.Delete(ip); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		bm.logger.Debug("Blacklist cache delete failed", zap.Error(err))
	}
}

func (bm *BlacklistManager) sweepLoop() {
	defer bm.wg.Done()

	ticker := time.NewTicker(bm.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := bm.SweepExpired(bm.ctx); err != nil {
				bm.logger.Error("Blacklist sweep failed", zap.Error(err))
			}
		case <-bm.ctx.Done():
			return
		}
	}
}
