// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/demobroker/pkg/api"
	"github.com/stacklok/demobroker/pkg/config"
	"github.com/stacklok/demobroker/pkg/gateway"
	"github.com/stacklok/demobroker/pkg/invite"
	"github.com/stacklok/demobroker/pkg/logger"
	"github.com/stacklok/demobroker/pkg/ratelimit"
	"github.com/stacklok/demobroker/pkg/sandbox"
	"github.com/stacklok/demobroker/pkg/session"
)

// kvProbeTimeout bounds the startup wait for the KV store. An unreachable
// store at startup is a fatal invariant.
const kvProbeTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the demo session broker",
		Long:  "Start the broker: websocket gateway, waitlist, session supervisor, and the HTTP auth endpoints.",
		RunE:  serveCmdFunc,
	}
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := connectKV(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatalf("KV store unreachable: %v", err)
	}
	defer kv.Close()

	connWindow := ratelimit.NewWindow(cfg.RateLimits.ConnectionsPerMinute, time.Minute)
	failWindow := ratelimit.NewWindow(cfg.RateLimits.InviteFailuresPerHour, time.Hour)
	cookieWindow := ratelimit.NewWindow(cfg.RateLimits.CookiesPerMinute, time.Minute)

	invites := invite.NewStore(kv, cfg.AuditRetention, failWindow)

	gw := gateway.NewGateway(gateway.Config{
		MaxQueueSize:   cfg.MaxQueueSize,
		AverageSession: cfg.AverageSession,
	}, invites, connWindow)

	runner, err := sandbox.NewDockerRunner(ctx, sandbox.DockerConfig{
		Image:    cfg.Sandbox.TerminalImage,
		HostPort: cfg.Sandbox.TerminalPort,
		Network:  cfg.Sandbox.DemoNetwork,
	})
	if err != nil {
		logger.Fatalf("container runtime unavailable: %v", err)
	}

	resetter := &sandbox.ResetHook{
		Script:       cfg.Sandbox.ResetScript,
		JiraAPIToken: cfg.Sandbox.JiraAPIToken,
		JiraEmail:    cfg.Sandbox.JiraEmail,
		JiraSiteURL:  cfg.Sandbox.JiraSiteURL,
		Project:      cfg.Sandbox.JiraProject,
	}

	tokens := session.NewTokenMap()
	minter := session.NewMinter(cfg.SessionSecret)
	resume := session.NewResumeStore(kv)

	sup := session.NewSupervisor(ctx, session.Config{
		SessionTimeout:  cfg.SessionTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
		TerminalBaseURL: cfg.Sandbox.TerminalBaseURL,
		CredentialsDir:  cfg.CredentialsDir,
		Credentials: session.Credentials{
			JiraAPIToken:    cfg.Sandbox.JiraAPIToken,
			JiraEmail:       cfg.Sandbox.JiraEmail,
			JiraSiteURL:     cfg.Sandbox.JiraSiteURL,
			ModelOAuthToken: cfg.Sandbox.ModelOAuthToken,
		},
		Debug: cfg.Debug,
	}, gw.Waitlist(), gw, invites, runner, resume, tokens, minter, resetter)
	gw.SetSessionController(sup)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Serve(groupCtx, cfg.ListenAddress, api.Deps{
			KV:          kv,
			Gateway:     gw,
			Sessions:    sup,
			Invites:     invites,
			CookieLimit: cookieWindow,
			CookieTTL:   cfg.SessionTimeout,
		})
	})
	for _, w := range []*ratelimit.Window{connWindow, failWindow, cookieWindow} {
		w := w
		group.Go(func() error {
			w.Run(groupCtx)
			return nil
		})
	}

	logger.Infof("demo broker listening on %s", cfg.ListenAddress)
	err = group.Wait()

	// Active session, if any, ends with reason=shutdown before we let the
	// process exit; its credential file must not outlive the broker.
	sup.Shutdown()
	gw.Shutdown()

	return err
}

// connectKV parses the redis URL and pings the store, retrying with
// exponential backoff for a bounded time so a racing container start
// doesn't kill the broker.
func connectKV(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	probeCtx, cancel := context.WithTimeout(ctx, kvProbeTimeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	_, err = backoff.Retry(probeCtx, func() (any, error) {
		return nil, client.Ping(probeCtx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("KV store not ready, retrying in %s: %v", duration, err)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
