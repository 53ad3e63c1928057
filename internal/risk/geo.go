// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/veyra/internal/cache"
	"github.com/taibuivan/veyra/internal/platform/constants"
)

// # Geolocation

// Location is a resolved IP geolocation.
type Location struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	ASN       int64   `json:"asn"`
}

// GeoProvider resolves an IP address to a location.
type GeoProvider interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// HTTPGeoProvider queries a JSON geolocation API. The base URL is joined
// with the IP as the final path segment.
type HTTPGeoProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGeoProvider constructs a provider client.
func NewHTTPGeoProvider(baseURL string) *HTTPGeoProvider {
	return &HTTPGeoProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: constants.ExternalHTTPTimeout},
	}
}

// Lookup resolves one IP. Non-200 answers are errors so the chain can move
// to the next provider.
func (provider *HTTPGeoProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.baseURL+"/"+ip, nil)
	if err != nil {
		return nil, fmt.Errorf("geo_request_build_failed: %w", err)
	}

	response, err := provider.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("geo_provider_unreachable: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo_provider_status_%d", response.StatusCode)
	}

	var location Location
	if err := json.NewDecoder(response.Body).Decode(&location); err != nil {
		return nil, fmt.Errorf("geo_response_decode_failed: %w", err)
	}
	location.IP = ip
	return &location, nil
}

// ChainProvider tries each provider in order and returns the first success.
type ChainProvider struct {
	providers []GeoProvider
	logger    *slog.Logger
}

// NewChainProvider builds the fallback chain. Nil providers are skipped.
func NewChainProvider(logger *slog.Logger, providers ...GeoProvider) *ChainProvider {
	chain := &ChainProvider{logger: logger}
	for _, provider := range providers {
		if provider != nil {
			chain.providers = append(chain.providers, provider)
		}
	}
	return chain
}

// Lookup walks the chain; every provider failing yields the last error.
func (chain *ChainProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	var lastErr error
	for _, provider := range chain.providers {
		location, err := provider.Lookup(ctx, ip)
		if err == nil {
			return location, nil
		}
		lastErr = err
		chain.logger.Warn("geo_provider_failed", slog.String("ip", ip), slog.String("error", err.Error()))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("geo_no_providers_configured")
	}
	return nil, lastErr
}

// # Travel Analysis

const earthRadiusKm = 6371.0

// HaversineKm computes the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRadians := func(degrees float64) float64 { return degrees * math.Pi / 180 }

	deltaLat := toRadians(lat2 - lat1)
	deltaLon := toRadians(lon2 - lon1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// historyEntry is one point in a principal's bounded location history.
type historyEntry struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	City      string    `json:"city"`
	Country   string    `json:"country"`
	At        time.Time `json:"at"`
}

const geoHistoryPrefix = "veyra:risk:geo:"

// historyMaxEntries bounds the per-principal location log.
const historyMaxEntries = 50

// Analyzer resolves locations (through the read cache), maintains the
// per-principal location history, and derives travel-plausibility and
// country/ASN findings.
type Analyzer struct {
	provider  GeoProvider
	client    *redis.Client
	readCache *cache.Cache
	asn       ASNRepository
	settings  Settings
	logger    *slog.Logger

	now func() time.Time
}

// NewAnalyzer constructs the analyzer. asn may be nil when no ASN data is
// provisioned; VPN detection then rests on the known-VPN set being empty.
func NewAnalyzer(provider GeoProvider, client *redis.Client, readCache *cache.Cache, asn ASNRepository, settings Settings, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		provider:  provider,
		client:    client,
		readCache: readCache,
		asn:       asn,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve returns the location for an IP, cached per IP in the geo-location
// region.
func (analyzer *Analyzer) Resolve(ctx context.Context, ip string) (*Location, error) {
	if analyzer.readCache == nil {
		return analyzer.provider.Lookup(ctx, ip)
	}
	return cache.LoadOrCompute(ctx, analyzer.readCache, cache.RegionGeoLocation, ip,
		func(ctx context.Context) (*Location, error) {
			return analyzer.provider.Lookup(ctx, ip)
		})
}

// lastSeen returns the most recent history entry inside the window, or nil.
func (analyzer *Analyzer) lastSeen(ctx context.Context, principalName string) (*historyEntry, error) {
	raw, err := analyzer.client.LIndex(ctx, geoHistoryPrefix+principalName, 0).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_geo_history_read_failed: %w", err)
	}

	var entry historyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("geo_history_decode_failed: %w", err)
	}
	if analyzer.now().Sub(entry.At) > analyzer.settings.GeoHistoryWindow {
		return nil, nil
	}
	return &entry, nil
}

// recordLocation prepends a history entry and trims the log.
func (analyzer *Analyzer) recordLocation(ctx context.Context, principalName string, location *Location) error {
	entry := historyEntry{
		Latitude:  location.Latitude,
		Longitude: location.Longitude,
		City:      location.City,
		Country:   location.Country,
		At:        analyzer.now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("geo_history_encode_failed: %w", err)
	}

	key := geoHistoryPrefix + principalName
	pipe := analyzer.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, historyMaxEntries-1)
	pipe.Expire(ctx, key, analyzer.settings.GeoHistoryWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_geo_history_write_failed: %w", err)
	}
	return nil
}

/*
AnalyzeLocation scores a login location against the principal's history and
the country/ASN policy, then appends the location to the history.

Description: An unresolvable location yields UNKNOWN (handled as HIGH by the
caller). Impossible travel requires a prior entry inside the window: implied
speed strictly above MaxTravelSpeedKmh raises HIGH with an ImpossibleTravel
alert carrying distance, speed, and both cities.

Parameters:
  - ctx: context.Context
  - principalName: Stable principal identifier
  - ip: Client IP

Returns:
  - Assessment: Level plus any alerts
*/
func (analyzer *Analyzer) AnalyzeLocation(ctx context.Context, principalName, ip string) Assessment {
	assessment := Assessment{Level: LevelLow}

	location, err := analyzer.Resolve(ctx, ip)
	if err != nil {
		analyzer.logger.Warn("geo_resolution_failed",
			slog.String("ip", ip), slog.String("error", err.Error()))
		return Assessment{Level: LevelUnknown}
	}

	if previous, err := analyzer.lastSeen(ctx, principalName); err != nil {
		analyzer.logger.Warn("geo_history_unavailable",
			slog.String("principal", principalName), slog.String("error", err.Error()))
	} else if previous != nil {
		distanceKm := HaversineKm(previous.Latitude, previous.Longitude, location.Latitude, location.Longitude)
		elapsed := analyzer.now().Sub(previous.At)

		if elapsed > 0 && distanceKm >= analyzer.settings.SuspiciousDistanceKm {
			speedKmh := distanceKm / elapsed.Hours()
			if speedKmh > analyzer.settings.MaxTravelSpeedKmh {
				assessment.escalate(LevelHigh, SecurityAlert{
					Kind:       AlertImpossibleTravel,
					Detail:     "implied travel speed exceeds the physical threshold",
					DistanceKm: distanceKm,
					SpeedKmh:   speedKmh,
					FromCity:   previous.City,
					ToCity:     location.City,
				})
			}
		}
	}

	for _, country := range analyzer.settings.HighRiskCountries {
		if strings.EqualFold(country, location.Country) {
			assessment.escalate(LevelMedium, SecurityAlert{
				Kind:   AlertHighRiskCountry,
				Detail: location.Country,
			})
			break
		}
	}

	if analyzer.isAnonymizer(ctx, location.ASN) {
		assessment.escalate(LevelMedium, SecurityAlert{
			Kind:   AlertVPNDetected,
			Detail: fmt.Sprintf("AS%d", location.ASN),
		})
	}

	if err := analyzer.recordLocation(ctx, principalName, location); err != nil {
		analyzer.logger.Warn("geo_history_record_failed",
			slog.String("principal", principalName), slog.String("error", err.Error()))
	}

	return assessment
}

// isAnonymizer checks the ASN against the known-VPN set and the reputation
// threshold, caching entries in the asn region. Missing data is not a signal.
func (analyzer *Analyzer) isAnonymizer(ctx context.Context, asn int64) bool {
	if analyzer.asn == nil || asn == 0 {
		return false
	}

	lookup := func(ctx context.Context) (*ASNEntry, error) {
		return analyzer.asn.FindByNumber(ctx, asn)
	}

	var entry *ASNEntry
	var err error
	if analyzer.readCache != nil {
		entry, err = cache.LoadOrCompute(ctx, analyzer.readCache, cache.RegionASN,
			fmt.Sprintf("%d", asn), lookup)
	} else {
		entry, err = lookup(ctx)
	}
	if err != nil || entry == nil {
		return false
	}

	return entry.KnownVPN || entry.Reputation < analyzer.settings.VPNReputationThreshold
}
