// Command tcsidecar runs a single Connector as a long-lived HTTP
// sidecar: a dApp backend that cannot embed Go directly drives a
// TON Connect session over a small JSON API instead.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	client_prometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	tonconnect "github.com/tonkeeper/tonconnect-go"
	"github.com/tonkeeper/tonconnect-go/internal/clock"
	"github.com/tonkeeper/tonconnect-go/internal/config"
	"github.com/tonkeeper/tonconnect-go/internal/store"
	"github.com/tonkeeper/tonconnect-go/internal/store/filestore"
	"github.com/tonkeeper/tonconnect-go/internal/store/postgres"
	"github.com/tonkeeper/tonconnect-go/internal/store/redisstore"
	"github.com/tonkeeper/tonconnect-go/internal/wallets"
)

var (
	connectsTotal = promauto.NewCounter(client_prometheus.CounterOpts{
		Name: "tcsidecar_connects_total",
		Help: "Total number of completed wallet connections.",
	})
	disconnectsTotal = promauto.NewCounter(client_prometheus.CounterOpts{
		Name: "tcsidecar_disconnects_total",
		Help: "Total number of wallet disconnections, local or remote.",
	})
	walletEventsTotal = promauto.NewCounterVec(client_prometheus.CounterOpts{
		Name: "tcsidecar_wallet_events_total",
		Help: "Wallet events observed, by kind.",
	}, []string{"kind"})
	rpcLatency = promauto.NewHistogramVec(client_prometheus.HistogramOpts{
		Name:    "tcsidecar_rpc_duration_seconds",
		Help:    "Latency of outgoing wallet RPCs, by method.",
		Buckets: client_prometheus.DefBuckets,
	}, []string{"method"})
	connectedGauge = promauto.NewGauge(client_prometheus.GaugeOpts{
		Name: "tcsidecar_connected",
		Help: "1 if a wallet is currently connected, else 0.",
	})
)

func main() {
	config.LoadConfig()

	storage, storageKind, err := buildStorage()
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}

	ntpClock := clock.New(clock.Options{Servers: config.Config.NTPServers})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if config.Config.NTPEnabled {
		ntpClock.Start(ctx)
		defer ntpClock.Stop()
	}

	walletList := wallets.NewList(nil, config.Config.WalletsTTL)

	connector := tonconnect.New(tonconnect.Options{
		Storage:          storage,
		AuthToken:        config.Config.BridgeAuthToken,
		RPSLimit:         config.Config.RPSLimit,
		Burst:            config.Config.Burst,
		ReconnectBackoff: config.Config.ReconnectBackoff,
		Clock:            ntpClock,
	})
	connector.OnStatusChange(func(info *tonconnect.WalletInfo) {
		if info != nil {
			connectedGauge.Set(1)
			connectsTotal.Inc()
			walletEventsTotal.WithLabelValues("connect").Inc()
			log.WithField("address", info.Account.Address).Info("wallet connected")
			return
		}
		connectedGauge.Set(0)
		disconnectsTotal.Inc()
		walletEventsTotal.WithLabelValues("disconnect").Inc()
		log.Info("wallet disconnected")
	}, func(err error) {
		walletEventsTotal.WithLabelValues("error").Inc()
		log.WithError(err).Warn("connector reported an error")
	})

	restored, err := connector.RestoreConnection(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to restore prior connection")
	} else if restored {
		log.Info("restored prior session from storage")
	}

	go runMetricsServer(storageKind)
	runAPIServer(ctx, connector, walletList)
}

func buildStorage() (store.Storage, string, error) {
	switch config.Config.Storage {
	case "memory", "":
		return store.NewMemoryStore(), "memory", nil
	case "file":
		return filestore.New(config.Config.StorageFilePath, true), "file", nil
	case "postgres":
		s, err := postgres.New(context.Background(), config.Config.PostgresURI)
		if err != nil {
			return nil, "", fmt.Errorf("postgres storage: %w", err)
		}
		return s, "postgres", nil
	case "redis":
		s, err := redisstore.New(context.Background(), config.Config.RedisURI)
		if err != nil {
			return nil, "", fmt.Errorf("redis storage: %w", err)
		}
		return s, "redis", nil
	default:
		return nil, "", fmt.Errorf("unknown STORAGE backend %q", config.Config.Storage)
	}
}

func runMetricsServer(storageKind string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","storage":%q}`+"\n", storageKind)
	})
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", config.Config.MetricsPort), mux))
}

func runAPIServer(ctx context.Context, connector *tonconnect.Connector, walletList *wallets.List) {
	e := echo.New()
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{DisableStackAll: true}))
	e.Use(middleware.Logger())

	var existingPaths []string
	e.GET("/wallets", walletsHandler(walletList))
	e.POST("/connect", connectHandler(connector))
	e.GET("/status", statusHandler(connector))
	e.GET("/wait", waitHandler(connector))
	e.POST("/transaction", transactionHandler(connector))
	e.POST("/disconnect", disconnectHandler(connector))
	e.GET("/checkproof", checkProofHandler(connector))
	e.POST("/pause", func(c echo.Context) error {
		connector.Pause()
		return c.NoContent(http.StatusNoContent)
	})
	e.POST("/unpause", func(c echo.Context) error {
		connector.Unpause(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	for _, r := range e.Routes() {
		existingPaths = append(existingPaths, r.Path)
	}
	p := prometheus.NewPrometheus("tcsidecar", func(c echo.Context) bool {
		return !slices.Contains(existingPaths, c.Path())
	})
	e.Use(p.HandlerFunc)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("api server shutdown error")
		}
	}()

	if err := e.Start(fmt.Sprintf(":%d", config.Config.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("api server: %v", err)
	}
}

func walletsHandler(walletList *wallets.List) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, walletList.Get(c.Request().Context()))
	}
}

type connectBody struct {
	ManifestURL  string `json:"manifest_url"`
	TonProof     string `json:"ton_proof,omitempty"`
	BridgeURL    string `json:"bridge_url"`
	UniversalURL string `json:"universal_url"`
	Name         string `json:"name"`
	AppName      string `json:"app_name"`
}

func connectHandler(connector *tonconnect.Connector) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body connectBody
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, errResponse(err))
		}

		universalURL, err := connector.Connect(c.Request().Context(), tonconnect.WalletDescriptor{
			Name:         body.Name,
			AppName:      body.AppName,
			BridgeURL:    body.BridgeURL,
			UniversalURL: body.UniversalURL,
		}, tonconnect.ConnectRequest{ManifestURL: body.ManifestURL, TonProof: body.TonProof})
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"universal_url": universalURL})
	}
}

func statusHandler(connector *tonconnect.Connector) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"connected": connector.Connected(),
			"wallet":    connector.Wallet(),
		})
	}
}

func waitHandler(connector *tonconnect.Connector) echo.HandlerFunc {
	return func(c echo.Context) error {
		timeout := 60 * time.Second
		if v := c.QueryParam("timeout_seconds"); v != "" {
			if d, err := time.ParseDuration(v + "s"); err == nil {
				timeout = d
			}
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		info, err := connector.WaitForConnection(ctx)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(http.StatusOK, info)
	}
}

func transactionHandler(connector *tonconnect.Connector) echo.HandlerFunc {
	return func(c echo.Context) error {
		var tx map[string]any
		if err := json.NewDecoder(c.Request().Body).Decode(&tx); err != nil {
			return c.JSON(http.StatusBadRequest, errResponse(err))
		}

		start := time.Now()
		boc, err := connector.SendTransaction(c.Request().Context(), tx)
		rpcLatency.WithLabelValues("sendTransaction").Observe(time.Since(start).Seconds())
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"boc": boc})
	}
}

func disconnectHandler(connector *tonconnect.Connector) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := connector.Disconnect(c.Request().Context()); err != nil {
			return respondErr(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func checkProofHandler(connector *tonconnect.Connector) echo.HandlerFunc {
	return func(c echo.Context) error {
		pubKeyHex := c.QueryParam("pubkey")
		if pubKeyHex == "" {
			wallet := connector.Wallet()
			if wallet == nil {
				return c.JSON(http.StatusBadRequest, errResponse(errors.New("no connected wallet and no pubkey query param")))
			}
			pubKeyHex = wallet.Account.PublicKey
		}

		raw, err := hex.DecodeString(pubKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return c.JSON(http.StatusBadRequest, errResponse(fmt.Errorf("invalid pubkey: %w", err)))
		}

		ok := connector.CheckProof(ed25519.PublicKey(raw))
		return c.JSON(http.StatusOK, map[string]bool{"valid": ok})
	}
}

func respondErr(c echo.Context, err error) error {
	var tcErr *tonconnect.Error
	if errors.As(err, &tcErr) {
		status := http.StatusBadRequest
		if tcErr.Kind.IsFatal() {
			status = http.StatusUnprocessableEntity
		}
		return c.JSON(status, map[string]string{"kind": tcErr.Kind.String(), "error": tcErr.Error()})
	}
	return c.JSON(http.StatusInternalServerError, errResponse(err))
}

func errResponse(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
