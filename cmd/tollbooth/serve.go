package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/facilitator/cdp"
	x402http "github.com/tollbooth/x402-go/http"
	chix402 "github.com/tollbooth/x402-go/http/chi"
	"github.com/tollbooth/x402-go/metrics"
	"github.com/tollbooth/x402-go/paywall"
	"github.com/tollbooth/x402-go/pricing"
)

// fileConfig is the layout of the routes file.
type fileConfig struct {
	PayTo   string                          `yaml:"payTo"`
	Network string                          `yaml:"network"`
	Paywall paywall.Config                  `yaml:"paywall"`
	Routes  map[string]x402http.RouteConfig `yaml:"routes"`
}

// loadFileConfig reads the routes file at path. A missing path yields the
// default single route over /protected/*.
func loadFileConfig(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read routes file: %w", err)
		}
		if err := yaml.Unmarshal(raw, fc); err != nil {
			return nil, fmt.Errorf("parse routes file %s: %w", path, err)
		}
	}
	if len(fc.Routes) == 0 {
		fc.Routes = map[string]x402http.RouteConfig{
			"/protected/*": {
				Price:  pricing.Fixed("$0.001"),
				Config: x402http.RouteOptions{Description: "Demo protected content"},
			},
		}
	}
	return fc, nil
}

// serveSettings are the environment-driven settings of the serve command.
type serveSettings struct {
	PayTo          string
	Network        string
	FacilitatorURL string
	CaptchaSecret  string
	QueryMarker    bool
	CDPKeyID       string
	CDPKeySecret   string
	Paywall        paywall.Config
}

func settingsFromEnv() serveSettings {
	return serveSettings{
		PayTo:          envOr("RESOURCE_WALLET_ADDRESS", ""),
		Network:        envOr("NETWORK", "base-sepolia"),
		FacilitatorURL: envOr("FACILITATOR_URL", x402http.DefaultFacilitatorURL),
		CaptchaSecret:  envOr("CAPTCHA_SECRET", ""),
		QueryMarker:    envOr("CAPTCHA_QUERY_MARKER", "") == "true",
		CDPKeyID:       envOr("CDP_API_KEY_ID", ""),
		CDPKeySecret:   envOr("CDP_API_KEY_SECRET", ""),
		Paywall: paywall.Config{
			CDPClientKey:         envOr("PAYWALL_CDP_CLIENT_KEY", ""),
			AppName:              envOr("PAYWALL_APP_NAME", ""),
			AppLogo:              envOr("PAYWALL_APP_LOGO", ""),
			SessionTokenEndpoint: envOr("PAYWALL_SESSION_TOKEN_ENDPOINT", ""),
		},
	}
}

// buildGateConfig merges the routes file over the environment settings.
// Values in the file win. The returned issuer is nil when no captcha secret is set.
func buildGateConfig(fc *fileConfig, s serveSettings, logger *slog.Logger, onEvent x402.PaymentCallback) (*x402http.Config, *x402http.CaptchaIssuer, error) {
	payTo := s.PayTo
	if fc.PayTo != "" {
		payTo = fc.PayTo
	}
	network := s.Network
	if fc.Network != "" {
		network = fc.Network
	}

	routes := make(map[string]x402http.RouteConfig, len(fc.Routes))
	for key, rc := range fc.Routes {
		if rc.Network == "" {
			rc.Network = network
		}
		routes[key] = rc
	}

	pw := s.Paywall
	if fc.Paywall != (paywall.Config{}) {
		pw = fc.Paywall
	}

	cfg := &x402http.Config{
		PayTo:   payTo,
		Routes:  routes,
		Paywall: pw,
		Logger:  logger,
		OnEvent: onEvent,
		FacilitatorConfig: &x402http.FacilitatorConfig{
			URL: s.FacilitatorURL,
		},
	}

	if s.CDPKeyID != "" && s.CDPKeySecret != "" {
		fcfg, err := cdp.NewFacilitatorConfig(s.CDPKeyID, s.CDPKeySecret)
		if err != nil {
			return nil, nil, fmt.Errorf("cdp facilitator: %w", err)
		}
		cfg.FacilitatorConfig = fcfg
	}

	var bypass []x402http.PreAuthorizer
	var issuer *x402http.CaptchaIssuer
	if s.CaptchaSecret != "" {
		var err error
		issuer, err = x402http.NewCaptchaIssuer(s.CaptchaSecret, 0)
		if err != nil {
			return nil, nil, err
		}
		cfg.Captcha = issuer
		bypass = append(bypass, x402http.CaptchaCookie(issuer))
	}
	if s.QueryMarker {
		bypass = append(bypass, x402http.DefaultQueryMarker())
	}
	if len(bypass) > 0 {
		cfg.Bypass = x402http.AnyOf(bypass...)
	}

	return cfg, issuer, nil
}

// newServeRouter mounts the gate, the captcha endpoint, metrics and health.
func newServeRouter(gate *x402http.Gate, issuer *x402http.CaptchaIssuer, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if issuer != nil {
		r.Handle(x402http.DefaultSolveEndpoint, issuer.SolveHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(chix402.Middleware(gate))
		r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
			// Only priced paths have content.
			if _, ok := gate.Match(r); !ok {
				http.NotFound(w, r)
				return
			}
			protectedContent(w, r)
		})
	})

	return r
}

func protectedContent(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"path":      r.URL.Path,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   "This resource is paid for.",
	}
	if info, ok := x402http.GetPaymentFromContext(r.Context()); ok {
		resp["payer"] = info.Payer
		resp["network"] = info.Requirement.Network
		resp["amount"] = info.Requirement.MaxAmountRequired
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// loadDotEnv loads .env from the working directory when one exists.
// Variables already set in the environment are kept.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServe(args []string) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", envOr("ADDR", ":8080"), "Listen address")
	routesFile := fs.String("routes", envOr("ROUTES_FILE", ""), "YAML routes file (default: /protected/* at $0.001)")
	logLevel := fs.String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*logLevel)

	fc, err := loadFileConfig(*routesFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}

	cfg, issuer, err := buildGateConfig(fc, settingsFromEnv(), logger, collector.OnEvent)
	if err != nil {
		return err
	}
	gate, err := x402http.NewGate(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	primeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	// The gate logs a failed prime and keeps serving unenriched requirements.
	_ = gate.Prime(primeCtx)
	cancel()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServeRouter(gate, issuer, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gate listening", "addr", *addr, "routes", gate.Routes().Len(), "captcha", issuer != nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
