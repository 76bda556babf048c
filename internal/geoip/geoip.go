// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package geoip resolves IP addresses to locations.
//
// Private, loopback and unparseable addresses resolve to nil without a
// network call. Public addresses go to ip-api.com under a token bucket and
// results (including "not found") are cached.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/sharewatch/internal/cache"
	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/models"
)

// ErrRateLimited is returned when the lookup budget is exhausted.
var ErrRateLimited = errors.New("geoip rate limit exceeded")

// negativeTTL bounds how long a failed lookup is remembered.
const negativeTTL = time.Hour

// Resolver maps an IP address to a location. A nil location with a nil
// error means the address has no public location.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*models.GeoLocation, error)
}

// Nop resolves every address to nil.
type Nop struct{}

// Lookup always returns nil.
func (Nop) Lookup(context.Context, string) (*models.GeoLocation, error) { return nil, nil }

// ipAPIResponse is the ip-api.com JSON payload.
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// IPAPIProvider resolves addresses with ip-api.com.
type IPAPIProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	cache   *cache.TTL[*models.GeoLocation]
}

// NewIPAPIProvider creates a provider from cfg.
func NewIPAPIProvider(cfg config.GeoIPConfig) *IPAPIProvider {
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 45
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IPAPIProvider{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		cache:   cache.NewTTL[*models.GeoLocation](ttl),
	}
}

// NewResolver returns an ip-api provider, or Nop when lookups are disabled.
func NewResolver(cfg config.GeoIPConfig) Resolver {
	if !cfg.Enabled {
		return Nop{}
	}
	return NewIPAPIProvider(cfg)
}

// Lookup resolves ip, consulting the cache first.
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*models.GeoLocation, error) {
	addr, ok := publicAddr(ip)
	if !ok {
		return nil, nil
	}
	key := addr.String()

	if geo, hit := p.cache.Get(key); hit {
		return copyGeo(geo), nil
	}

	if !p.limiter.Allow() {
		return nil, ErrRateLimited
	}

	geo, err := p.query(ctx, key)
	if err != nil {
		return nil, err
	}
	if geo == nil {
		p.cache.PutFor(key, nil, negativeTTL)
		return nil, nil
	}
	p.cache.Put(key, geo)
	return copyGeo(geo), nil
}

// Close stops the cache janitor.
func (p *IPAPIProvider) Close() {
	p.cache.Close()
}

func (p *IPAPIProvider) query(ctx context.Context, ip string) (*models.GeoLocation, error) {
	url := fmt.Sprintf("%s/%s?fields=status,message,country,countryCode,regionName,city,lat,lon", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query ip-api.com: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api.com returned status %d", resp.StatusCode)
	}

	var result ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode ip-api.com response: %w", err)
	}
	if result.Status != "success" {
		// reserved range, invalid query: no location
		logging.Debug().Str("ip", ip).Str("reason", result.Message).Msg("GeoIP lookup returned no location")
		return nil, nil
	}

	country := result.CountryCode
	if country == "" {
		country = result.Country
	}
	return &models.GeoLocation{
		City:    result.City,
		Region:  result.RegionName,
		Country: country,
		Lat:     result.Lat,
		Lon:     result.Lon,
	}, nil
}

// publicAddr parses ip and reports whether it is a routable public address.
func publicAddr(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || addr.IsMulticast() || addr.IsLinkLocalMulticast() {
		return netip.Addr{}, false
	}
	// 100.64.0.0/10 carrier-grade NAT
	if addr.Is4() && cgnat.Contains(addr) {
		return netip.Addr{}, false
	}
	return addr, true
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func copyGeo(g *models.GeoLocation) *models.GeoLocation {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}
