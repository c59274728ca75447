// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/photostream/georoute/pkg/debug"
	"github.com/photostream/georoute/pkg/discovery"
	"github.com/photostream/georoute/pkg/geoip"
	"github.com/photostream/georoute/pkg/health"
	"github.com/photostream/georoute/pkg/logger"
	"github.com/photostream/georoute/pkg/region"
	"github.com/photostream/georoute/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ServerOpts struct {
	IP         string
	Port       int
	DebugPort  int
	RegionName string
	LogLevel   string

	GeoIPEndpoint      string
	GeoIPTimeout       time.Duration
	GeoIPRatePerMinute int
	GeoIPCacheEnabled  bool
	GeoIPRedisAddr     string
	GeoIPRedisPassword string
	GeoIPRedisDB       int
	GeoIPCacheTTL      time.Duration

	HealthProbeTimeout    time.Duration
	HealthProbePath       string
	HealthCacheTTL        time.Duration
	HealthRefreshInterval time.Duration
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a regional discovery server",
	Long: `Start a georoute server that handles:
- /api/discover: geolocation-based region selection for callers
- /api/regions: aggregated health of every deployed region
- /ping: constant-cost liveness probe for latency measurement
- /api/health: this region's own health surface`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.String("ip", utils.DetectedHostAddress(), "IP address to bind to")
	f.Int("port", 8080, "HTTP port for the public API")
	f.Int("debug_port", 8081, "Debug HTTP port (metrics, pprof)")
	f.String("region_name", "unknown", "Name of the region this server runs in")
	f.String("log_level", "info", "Log level (debug, info, warn, error, fatal)")

	f.String("geoip_endpoint", "https://ipapi.co", "Geolocation provider base URL")
	f.Duration("geoip_timeout", 5*time.Second, "Timeout for a single geolocation lookup")
	f.Int("geoip_rate_per_minute", 30, "Outbound geolocation lookup rate cap (0 disables)")
	f.Bool("geoip_cache_enabled", false, "Cache geolocation lookups in Redis")
	f.String("geoip_redis_addr", "localhost:6379", "Redis address for the geolocation cache")
	f.String("geoip_redis_password", "", "Redis password")
	f.Int("geoip_redis_db", 0, "Redis database number")
	f.Duration("geoip_cache_ttl", 24*time.Hour, "TTL for cached geolocation lookups")

	f.Duration("health_probe_timeout", 10*time.Second, "Timeout for each regional health probe")
	f.String("health_probe_path", "/api/health", "Path probed on each region")
	f.Duration("health_cache_ttl", 15*time.Second, "How long a regions report is served from cache (0 disables)")
	f.Duration("health_refresh_interval", 0, "Background health refresh interval (0 disables)")

	viper.BindPFlags(f)
}

func runServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	opts := loadServerOpts(cmd)

	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil && level != zerolog.NoLevel {
		logger.SetLevel(level)
	}

	debug.SetNotReady()

	registry := region.NewRegistry(loadRegions())
	if err := registry.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid region configuration")
	}
	logger.Info().Strs("regions", registry.Names()).Msg("region registry loaded")

	resolver := buildResolver(opts)
	if closer, ok := resolver.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	aggregator := health.NewAggregator(registry, health.Config{
		ProbeTimeout:    opts.HealthProbeTimeout,
		ProbePath:       opts.HealthProbePath,
		CacheTTL:        opts.HealthCacheTTL,
		RefreshInterval: opts.HealthRefreshInterval,
	})
	if opts.HealthRefreshInterval > 0 {
		go aggregator.Run(cmd.Context())
	}

	handler := discovery.NewHandler(
		discovery.NewService(resolver, registry),
		aggregator,
		opts.RegionName,
	)

	httpServer := startHTTPServer(handler, opts.IP, opts.Port)
	debugServer := startHTTPServer(debug.GetMux(), opts.IP, opts.DebugPort)

	debug.SetReady()
	logger.Info().Str("region", opts.RegionName).Msg("discovery server ready")

	waitForShutdown()

	debug.SetNotReady()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	debugServer.Shutdown(shutdownCtx)
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)

	return ServerOpts{
		IP:         f.String("ip"),
		Port:       f.Int("port"),
		DebugPort:  f.Int("debug_port"),
		RegionName: f.String("region_name"),
		LogLevel:   f.String("log_level"),

		GeoIPEndpoint:      f.String("geoip_endpoint"),
		GeoIPTimeout:       f.Duration("geoip_timeout"),
		GeoIPRatePerMinute: f.Int("geoip_rate_per_minute"),
		GeoIPCacheEnabled:  f.Bool("geoip_cache_enabled"),
		GeoIPRedisAddr:     f.String("geoip_redis_addr"),
		GeoIPRedisPassword: f.String("geoip_redis_password"),
		GeoIPRedisDB:       f.Int("geoip_redis_db"),
		GeoIPCacheTTL:      f.Duration("geoip_cache_ttl"),

		HealthProbeTimeout:    f.Duration("health_probe_timeout"),
		HealthProbePath:       f.String("health_probe_path"),
		HealthCacheTTL:        f.Duration("health_cache_ttl"),
		HealthRefreshInterval: f.Duration("health_refresh_interval"),
	}
}

// loadRegions builds the region table: compiled-in defaults, replaced
// wholesale by the "regions" config key when present, with per-region
// URL overrides through server_<name> keys (SERVER_US_WEST etc. in the
// environment).
func loadRegions() []region.Region {
	regions := region.DefaultRegions()

	if viper.IsSet("regions") {
		var configured []region.Region
		if err := viper.UnmarshalKey("regions", &configured); err != nil {
			logger.Fatal().Err(err).Msg("invalid regions configuration")
		}
		if len(configured) > 0 {
			regions = configured
		}
	}

	for i := range regions {
		key := "server_" + strings.ReplaceAll(regions[i].Name, "-", "_")
		if override := viper.GetString(key); override != "" {
			regions[i].BaseURL = override
		}
	}
	return regions
}

// buildResolver assembles the geoip lookup stack: the HTTP resolver,
// optionally wrapped in the Redis cache. A cache that cannot connect
// degrades to uncached lookups instead of failing startup.
func buildResolver(opts ServerOpts) geoip.Resolver {
	var resolver geoip.Resolver = geoip.NewHTTPResolver(geoip.Config{
		Endpoint:      opts.GeoIPEndpoint,
		Timeout:       opts.GeoIPTimeout,
		RatePerMinute: opts.GeoIPRatePerMinute,
	})

	if !opts.GeoIPCacheEnabled {
		return resolver
	}

	cacheCfg := geoip.DefaultCacheConfig()
	cacheCfg.Enabled = true
	cacheCfg.Addr = opts.GeoIPRedisAddr
	cacheCfg.Password = opts.GeoIPRedisPassword
	cacheCfg.DB = opts.GeoIPRedisDB
	cacheCfg.TTL = opts.GeoIPCacheTTL

	cached, err := geoip.NewCachedResolver(resolver, cacheCfg)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip cache unavailable, lookups go straight to the provider")
		return resolver
	}
	logger.Info().Str("redis_addr", opts.GeoIPRedisAddr).Msg("geoip cache enabled")
	return cached
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port), 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
