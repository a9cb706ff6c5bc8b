package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
)

// Sink writes directives as expiring Redis keys:
//
//	<prefix>block:<ip>              directive JSON
//	<prefix>ratelimit:<type>:<ip>   packets per second
//
// Every key written is also added to the <prefix>active index set.
type Sink struct {
	store  Store
	prefix string
	logger *slog.Logger
}

// NewSink creates a blocklist sink over store.
func NewSink(store Store, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, prefix: prefix, logger: logger}
}

// Name implements response.DirectiveSink.
func (s *Sink) Name() string { return "redis" }

// Apply implements response.DirectiveSink.
func (s *Sink) Apply(ctx context.Context, d response.Directive) error {
	ttl := d.TTL()
	if ttl <= 0 {
		return fmt.Errorf("blocklist: directive %s already expired", d.ID)
	}

	var (
		key   string
		value []byte
	)
	switch d.Kind {
	case response.KindBlock:
		key = s.blockKey(d.SourceIP)
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("blocklist: marshal directive: %w", err)
		}
		value = data
	case response.KindRateLimit:
		key = s.rateLimitKey(d.PacketType, d.SourceIP)
		value = []byte(strconv.FormatFloat(d.LimitPerSecond, 'f', -1, 64))
	default:
		return fmt.Errorf("blocklist: unsupported directive kind %q", d.Kind)
	}

	if err := s.store.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("blocklist: set %s: %w", key, err)
	}
	if err := s.store.SAdd(ctx, s.indexKey(), key); err != nil {
		return fmt.Errorf("blocklist: index %s: %w", key, err)
	}

	s.logger.Debug("blocklist entry written", "key", key, "ttl", ttl)
	return nil
}

// Entry is one live blocklist key.
type Entry struct {
	Key        string            `json:"key"`
	Kind       string            `json:"kind"`
	PacketType schema.PacketType `json:"packet_type,omitempty"`
	SourceIP   string            `json:"source_ip"`
}

// Active lists live entries from the index set. Index members whose key has
// expired are removed from the index.
func (s *Sink) Active(ctx context.Context) ([]Entry, error) {
	members, err := s.store.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("blocklist: read index: %w", err)
	}

	var (
		entries []Entry
		stale   []string
	)
	for _, key := range members {
		n, err := s.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("blocklist: exists %s: %w", key, err)
		}
		if n == 0 {
			stale = append(stale, key)
			continue
		}
		if e, ok := s.parseKey(key); ok {
			entries = append(entries, e)
		}
	}

	if len(stale) > 0 {
		if err := s.store.SRem(ctx, s.indexKey(), stale...); err != nil {
			s.logger.Warn("failed to prune blocklist index", "error", err)
		}
	}
	return entries, nil
}

// IsBlocked reports whether ip has a live block key.
func (s *Sink) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := s.store.Exists(ctx, s.blockKey(ip))
	return n > 0, err
}

// RateLimit returns the live limit for ip and packet type, if any.
func (s *Sink) RateLimit(ctx context.Context, pt schema.PacketType, ip string) (float64, bool, error) {
	v, err := s.store.Get(ctx, s.rateLimitKey(pt, ip))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	limit, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, false, fmt.Errorf("blocklist: bad limit value %q: %w", v, err)
	}
	return limit, true, nil
}

func (s *Sink) blockKey(ip string) string {
	return s.prefix + "block:" + ip
}

func (s *Sink) rateLimitKey(pt schema.PacketType, ip string) string {
	return s.prefix + "ratelimit:" + pt.String() + ":" + ip
}

func (s *Sink) indexKey() string {
	return s.prefix + "active"
}

func (s *Sink) parseKey(key string) (Entry, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix)
	if !ok {
		return Entry{}, false
	}
	if ip, ok := strings.CutPrefix(rest, "block:"); ok {
		return Entry{Key: key, Kind: string(response.KindBlock), SourceIP: ip}, true
	}
	if rest, ok := strings.CutPrefix(rest, "ratelimit:"); ok {
		typ, ip, ok := strings.Cut(rest, ":")
		if !ok {
			return Entry{}, false
		}
		pt, ok := schema.LookupPacketType(typ)
		if !ok {
			return Entry{}, false
		}
		return Entry{Key: key, Kind: string(response.KindRateLimit), PacketType: pt, SourceIP: ip}, true
	}
	return Entry{}, false
}

var _ response.DirectiveSink = (*Sink)(nil)
