package geo

import (
	"context"

	"go.uber.org/zap"
)

// Service resolves client IPs to locations. It never returns an error: any
// failure yields nil.
type Service struct {
	fetcher Fetcher
	cache   Cache
	logger  *zap.Logger
}

func NewService(fetcher Fetcher, cache Cache, logger *zap.Logger) *Service {
	if cache == nil {
		cache = NewLRUCache(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{fetcher: fetcher, cache: cache, logger: logger}
}

func (s *Service) Lookup(ctx context.Context, ip string) *Location {
	ip = NormalizeIP(ip)
	if IsLocalIP(ip) {
		return localPlaceholder(ip)
	}

	if cached := s.Cached(ctx, ip); cached != nil {
		return cached
	}
	if s.fetcher == nil {
		return nil
	}

	location, err := s.fetcher.Fetch(ctx, ip)
	if err != nil {
		s.logger.Debug("geo_lookup_failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if location == nil {
		return nil
	}

	if err := s.cache.Set(ctx, ip, *location); err != nil {
		s.logger.Warn("geo_cache_write_failed", zap.String("ip", ip), zap.Error(err))
	}
	return location
}

// Cached returns a location only when it is already known locally. It never
// calls upstream.
func (s *Service) Cached(ctx context.Context, ip string) *Location {
	ip = NormalizeIP(ip)
	if IsLocalIP(ip) {
		return localPlaceholder(ip)
	}

	location, ok, err := s.cache.Get(ctx, ip)
	if err != nil {
		s.logger.Warn("geo_cache_read_failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &location
}
