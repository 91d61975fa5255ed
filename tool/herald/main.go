/*
Copyright 2025 Herald Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command herald runs the notification platform. A single binary hosts
// every role; --roles selects which ones a process carries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/auth"
	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/broker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/config"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/gateway"
	"github.com/heraldhq/herald/lib/health"
	"github.com/heraldhq/herald/lib/status"
	"github.com/heraldhq/herald/lib/storage"
	"github.com/heraldhq/herald/lib/template"
	"github.com/heraldhq/herald/lib/transport"
	"github.com/heraldhq/herald/lib/utils"
	"github.com/heraldhq/herald/lib/worker"
)

const (
	// RoleGateway serves the auth and notification HTTP APIs.
	RoleGateway = "gateway"
	// RoleTemplates serves the template catalog HTTP API.
	RoleTemplates = "templates"
	// RoleWorkerEmail consumes the email queue.
	RoleWorkerEmail = "worker-email"
	// RoleWorkerPush consumes the push queue.
	RoleWorkerPush = "worker-push"
)

func main() {
	app := kingpin.New("herald", "Herald distributed notification platform.")
	app.Version(herald.Version)

	start := app.Command("start", "Start herald services.")
	roles := start.Flag("roles", "Comma-separated roles to run (gateway,templates,worker-email,worker-push).").
		Default(strings.Join([]string{RoleGateway, RoleTemplates, RoleWorkerEmail, RoleWorkerPush}, ",")).
		String()
	debug := start.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {
	case start.FullCommand():
		level := log.InfoLevel
		if *debug {
			level = log.DebugLevel
		}
		utils.InitLogger(level)
		if err := run(splitRoles(*roles)); err != nil {
			log.WithError(err).Fatal("Herald exited with error.")
		}
	}
}

func splitRoles(s string) map[string]bool {
	roles := make(map[string]bool)
	for _, role := range strings.Split(s, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles[role] = true
		}
	}
	return roles
}

func run(roles map[string]bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	for role := range roles {
		switch role {
		case RoleGateway, RoleTemplates, RoleWorkerEmail, RoleWorkerPush:
		default:
			return trace.BadParameter("unknown role %q", role)
		}
	}
	log.WithField("roles", roles).Info("Starting herald.")

	cacheClient, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer cacheClient.Close()

	store, err := storage.New(ctx, storage.Config{ConnString: cfg.DatabaseURL})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	amqpClient, err := broker.New(broker.Config{URL: cfg.RabbitMQURL})
	if err != nil {
		return trace.Wrap(err)
	}
	defer amqpClient.Close()

	cb, err := breaker.New(breaker.Config{
		Cache:            cacheClient,
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	statusStore, err := status.New(status.Config{Cache: cacheClient})
	if err != nil {
		return trace.Wrap(err)
	}

	resolver, err := template.NewResolver(template.ResolverConfig{
		Store:   store,
		Cache:   cacheClient,
		Breaker: cb,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	authCore, err := auth.New(auth.Config{
		Users:     store,
		Cache:     cacheClient,
		Secret:    []byte(cfg.JWTSecret),
		AccessTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	aggregator, err := health.New(health.Config{
		Cache:   cacheClient,
		Breaker: cb,
		Probes: map[string]health.Pinger{
			defaults.ResourceDatabase: store,
			defaults.ResourceBroker:   amqpClient,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	group, ctx := errgroup.WithContext(ctx)

	if roles[RoleGateway] || roles[RoleTemplates] {
		handler, err := buildHTTPHandler(cfg, roles, httpDeps{
			auth:       authCore,
			store:      store,
			cache:      cacheClient,
			status:     statusStore,
			broker:     amqpClient,
			resolver:   resolver,
			aggregator: aggregator,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: handler,
		}
		group.Go(func() error {
			log.WithField("addr", srv.Addr).Info("HTTP server listening.")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return trace.Wrap(err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return trace.Wrap(srv.Shutdown(shutdownCtx))
		})
	}

	if roles[RoleWorkerEmail] {
		smtp, err := transport.NewSMTP(transport.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Breaker:  cb,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		w, err := worker.New(worker.Config{
			Queue:     defaults.EmailQueue,
			Broker:    amqpClient,
			Cache:     cacheClient,
			Templates: resolver,
			Transport: smtp,
			Breaker:   cb,
			Audit:     store,
			Status:    statusStore,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		group.Go(func() error { return trace.Wrap(w.Run(ctx)) })
	}

	if roles[RoleWorkerPush] {
		fcm, err := transport.NewFCM(transport.FCMConfig{
			ServerKey: cfg.FCMServerKey,
			Breaker:   cb,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		w, err := worker.New(worker.Config{
			Queue:     defaults.PushQueue,
			Broker:    amqpClient,
			Cache:     cacheClient,
			Templates: resolver,
			Transport: fcm,
			Breaker:   cb,
			Audit:     store,
			Status:    statusStore,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		group.Go(func() error { return trace.Wrap(w.Run(ctx)) })
	}

	return trace.Wrap(group.Wait())
}

type httpDeps struct {
	auth       *auth.Auth
	store      *storage.Store
	cache      *cache.Client
	status     *status.Store
	broker     *broker.Client
	resolver   *template.Resolver
	aggregator *health.Aggregator
}

// buildHTTPHandler mounts the role-specific routers behind one mux.
func buildHTTPHandler(cfg *config.Config, roles map[string]bool, deps httpDeps) (http.Handler, error) {
	mux := http.NewServeMux()

	healthSrv, err := health.NewServer(health.ServerConfig{Aggregator: deps.aggregator})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	mux.Handle("/health", healthSrv)
	mux.Handle("/health/", healthSrv)
	mux.Handle("/metrics", promhttp.Handler())

	if roles[RoleGateway] {
		gw, err := gateway.New(gateway.Config{
			Auth:            deps.auth,
			Users:           deps.store,
			Cache:           deps.cache,
			Status:          deps.status,
			Broker:          deps.broker,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		gatewaySrv, err := gateway.NewServer(gateway.ServerConfig{Gateway: gw})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		authSrv, err := auth.NewServer(auth.ServerConfig{Auth: deps.auth})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		mux.Handle("/notifications/", gatewaySrv)
		mux.Handle("/auth/", authSrv)
		mux.Handle("/users/", authSrv)
	}

	if roles[RoleTemplates] {
		writer, err := template.NewWriter(template.WriterConfig{
			Store:  deps.store,
			Cache:  deps.cache,
			Events: deps.broker,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		templateSrv, err := template.NewServer(template.ServerConfig{
			Resolver: deps.resolver,
			Writer:   writer,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		mux.Handle("/templates", templateSrv)
		mux.Handle("/templates/", templateSrv)
	}

	return mux, nil
}
