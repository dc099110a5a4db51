package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arzzra/roomphone/pkg/audiomix"
	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/arzzra/roomphone/pkg/config"
	"github.com/arzzra/roomphone/pkg/httpapi"
	"github.com/arzzra/roomphone/pkg/prefs"
	"github.com/arzzra/roomphone/pkg/sipua"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (default: ./roomphone.yaml if present)")
		sipDebug   = flag.Bool("sip-debug", false, "Log raw SIP messages")
	)
	flag.Parse()

	if err := run(*configPath, *sipDebug); err != nil {
		fmt.Fprintf(os.Stderr, "roomphone: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, sipDebug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	sip.SIPDebug = sipDebug

	store, err := prefs.Open(cfg.Prefs)
	if err != nil {
		return err
	}
	defer store.Close()

	platform, err := audiomix.NewPlatform(cfg.Audio, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	phone, err := callroom.NewPhone(cfg.Phone, callroom.Dependencies{
		NewUserAgent: sipua.NewFactory(cfg.SIP, logger),
		Platform:     platform,
		Preferences:  store,
		Logger:       logger,
		Metrics:      callroom.NewMetrics(reg),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = phone.Init(ctx, callroom.InitParams{
		Configuration: callroom.UAConfig{
			URI:         cfg.SIP.URI,
			DisplayName: cfg.SIP.DisplayName,
			UserAgent:   cfg.SIP.UserAgent,
		},
		Domain:    cfg.Domain,
		Listeners: eventLog(logger),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := phone.Close(); err != nil {
			logger.Warn("roomphone: phone close", slog.String("error", err.Error()))
		}
	}()

	api := httpapi.New(phone, httpapi.Config{Addr: cfg.HTTP.Addr, Mode: cfg.HTTP.Mode}, logger, reg)
	logger.Info("roomphone: started",
		slog.String("sip", cfg.SIP.URI),
		slog.Any("endpoints", cfg.SIP.Endpoints),
		slog.String("http", cfg.HTTP.Addr))

	if err := api.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("roomphone: stopped")
	return nil
}

// eventLog журналирует события жизненного цикла вызовов
func eventLog(logger *slog.Logger) []callroom.Subscription {
	subs := make([]callroom.Subscription, 0, len(callroom.EventKinds()))
	for _, kind := range callroom.EventKinds() {
		subs = append(subs, callroom.Subscription{
			Kind: kind,
			Handler: func(session callroom.Session, event callroom.SessionEvent) {
				logger.Info("roomphone: "+kind.String(),
					slog.String("call_id", session.ID()),
					slog.String("remote", session.RemoteIdentity()),
					slog.String("originator", event.Originator),
					slog.Int("code", event.StatusCode),
					slog.String("cause", event.Cause))
			},
		})
	}
	return subs
}
