// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gateway/modules/admin"
	"gateway/modules/appconfig"
	"gateway/modules/breaker"
	"gateway/modules/clock"
	"gateway/modules/gateway"
	hmac_sign "gateway/modules/hmac"
	"gateway/modules/janitor"
	"gateway/modules/middleware"
	mwrl "gateway/modules/middleware/ratelimit"
	"gateway/modules/oapi"
	rl "gateway/modules/ratelimit"
	"gateway/modules/respcache"
	"gateway/modules/server"
	"gateway/modules/telemetry"

	"golang.org/x/sync/errgroup"
)

func main() {
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	// cancel the context when these signals occur
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// manual dependency injections, imo there's no need to over-engineer with DI frameworks like Fx or Wire
	clock := clock.RealClock{}

	// --- application config ----
	appConfig, err := appconfig.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", slog.Any("error", err))
		exitCode = 1
		return
	}
	setLogLevel(appConfig.LogLevel)

	otelShutdown, err := telemetry.Init(ctx, appConfig.Otel)
	if err != nil {
		slog.ErrorContext(ctx, "telemetry not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "telemetry shutdown error", slog.Any("error", err))
		}
	}()

	httpMetrics, err := telemetry.NewHTTPMetrics(appConfig.Otel.ServiceName)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize HTTP metrics, continuing without metrics", slog.Any("error", err))
		httpMetrics = nil
	}
	gatewayMetrics, err := telemetry.NewGatewayMetrics(appConfig.Otel.ServiceName)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize gateway metrics, continuing without metrics", slog.Any("error", err))
		gatewayMetrics = nil
	}

	// --- infrastructure ---

	infra, err := newInfrastructure(ctx, appConfig, clock)
	if err != nil {
		slog.ErrorContext(ctx, "infrastructure setup error", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer infra.Close(context.WithoutCancel(ctx))

	policies, err := newPolicyTable(ctx, appConfig, infra)
	if err != nil {
		slog.ErrorContext(ctx, "policy table setup error", slog.Any("error", err))
		exitCode = 1
		return
	}

	var signer *hmac_sign.HMACSigner
	if appConfig.HMAC.Secret != "" {
		signer, err = hmac_sign.NewHMACSigner([]byte(appConfig.HMAC.Secret))
		if err != nil {
			slog.ErrorContext(ctx, "hmac signer setup error", slog.Any("error", err))
			exitCode = 1
			return
		}
	} else {
		slog.InfoContext(ctx, "HMAC_SECRET unset, API keys and bearer tokens are ignored")
	}

	// --- traffic shaping ---

	limiter := rl.NewLimiter(clock, infra.store)

	breakers := breaker.NewRegistry(appConfig.Breaker, clock,
		breaker.WithStateChange(func(name string, from, to breaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			gatewayMetrics.BreakerTransition(context.Background(), name, from.String(), to.String())
		}),
	)

	router, err := gateway.NewRouter(appConfig.Gateway.Targets, appConfig.Gateway.DownstreamTimeout)
	if err != nil {
		slog.ErrorContext(ctx, "downstream targets not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}
	for _, t := range router.Targets() {
		// create eagerly so every target shows up on the admin API
		breakers.Get(t.Breaker)
	}

	dispatcherOpts := []gateway.Option{
		gateway.WithMetrics(gatewayMetrics),
		gateway.WithTrustForwardedFor(appConfig.Gateway.TrustForwardedFor),
		gateway.WithLogSampling(appConfig.Gateway.LogSampleInterval),
		gateway.WithAbuseDetector(gateway.NewAbuseDetector(
			appConfig.Abuse, clock, infra.store, infra.blocks, appConfig.Redis.KeyPrefix,
		)),
	}
	var cache *respcache.Cache
	if appConfig.Gateway.CacheEnabled {
		cache = respcache.New(appConfig.Gateway.Cache, clock)
		dispatcherOpts = append(dispatcherOpts, gateway.WithCache(cache))
	}

	dispatcher, err := gateway.NewDispatcher(gateway.Dependencies{
		Clock:      clock,
		Blocks:     infra.blocks,
		Identity:   gateway.NewTokenIdentity(signer, clock),
		Limiter:    limiter,
		Policies:   policies,
		Router:     router,
		Downstream: gateway.NewHTTPDownstream(gateway.WithMaxResponseBytes(appConfig.Gateway.MaxResponseBytes)),
		Breakers:   breakers,
	}, dispatcherOpts...)
	if err != nil {
		slog.ErrorContext(ctx, "dispatcher setup error", slog.Any("error", err))
		exitCode = 1
		return
	}

	gatewayServer, err := server.New(
		appConfig.GatewayServer.Host, appConfig.GatewayServer.Port,
		server.WithName("gateway"),
		server.WithConfig(appConfig.GatewayServer),
		server.WithServices(gateway.NewService(dispatcher)),
		server.WithGlobalMiddlewares(
			middleware.Telemetry(httpMetrics, dispatcher.RouteName),
			middleware.RequestID(),
			middleware.Recovery(nil),
		),
	)
	if err != nil {
		slog.ErrorContext(ctx, "init gateway server error", slog.Any("error", err))
		exitCode = 1
		return
	}

	// --- operators ---

	var adminServer *server.Server
	if appConfig.Admin.Token != "" {
		adminServer, err = newAdminServer(ctx, appConfig, clock, infra, policies, breakers, httpMetrics)
		if err != nil {
			slog.ErrorContext(ctx, "init admin server error", slog.Any("error", err))
			exitCode = 1
			return
		}
	} else {
		slog.WarnContext(ctx, "ADMIN_TOKEN unset, admin API disabled")
	}

	janitorOpts := []janitor.Option{
		janitor.WithReport(gatewayMetrics.Swept),
	}
	if infra.memStore != nil {
		janitorOpts = append(janitorOpts, janitor.WithSweeper("ratelimit_store", infra.memStore))
	}
	if infra.memBlocks != nil {
		janitorOpts = append(janitorOpts, janitor.WithSweeper("blocklist", infra.memBlocks))
	}
	if cache != nil {
		janitorOpts = append(janitorOpts, janitor.WithSweeper("response_cache", cache))
	}
	sweeper := janitor.New(appConfig.Janitor, clock, janitorOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gatewayServer.Run(gctx) })
	if adminServer != nil {
		g.Go(func() error { return adminServer.Run(gctx) })
	}
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "running server error", slog.Any("error", err))
		exitCode = 1
		return
	}
	slog.InfoContext(ctx, "bye")
}

func newAdminServer(
	ctx context.Context,
	appConfig *appconfig.Config,
	clock clock.Clock,
	infra *infrastructure,
	policies *rl.PolicyTable,
	breakers *breaker.Registry,
	httpMetrics *telemetry.HTTPMetrics,
) (*server.Server, error) {
	spec, err := middleware.LoadSpec(ctx, oapi.AdminSpec)
	if err != nil {
		return nil, err
	}

	rlCfg := &appConfig.Admin.RateLimit
	rtp, err := mwrl.ParsePolicy(rlCfg, mwrl.PatternRouteInfo, mwrl.KeyStrategies(rlCfg))
	if err != nil {
		return nil, err
	}
	// admin quotas share the store but never the keys of gateway traffic
	adminLimiter := rl.NewLimiter(clock, infra.store, rl.WithKeyPrefix("admin"))

	svc, err := admin.NewService(admin.Dependencies{
		Policies: policies,
		Blocks:   infra.blocks,
		Breakers: breakers,
	}, appConfig.Admin.Token,
		admin.WithValidation(spec),
		admin.WithRouteMiddlewares(mwrl.NewRateLimitMiddleware(adminLimiter, rtp)),
	)
	if err != nil {
		return nil, err
	}

	return server.New(
		appConfig.Admin.Server.Host, appConfig.Admin.Server.Port,
		server.WithName("admin"),
		server.WithConfig(appConfig.Admin.Server),
		server.WithServices(svc),
		server.WithGlobalMiddlewares(
			middleware.Telemetry(httpMetrics, nil),
			middleware.RequestID(),
			middleware.Recovery(nil),
		),
	)
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("level", level))
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}
