package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/auth"
	"github.com/MarcoPoloResearchLab/cupid/internal/chainsync"
	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/cupid/internal/config"
	"github.com/MarcoPoloResearchLab/cupid/internal/database"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"github.com/MarcoPoloResearchLab/cupid/internal/gateway"
	"github.com/MarcoPoloResearchLab/cupid/internal/logging"
	"github.com/MarcoPoloResearchLab/cupid/internal/presence"
	"github.com/MarcoPoloResearchLab/cupid/internal/server"
	"github.com/MarcoPoloResearchLab/cupid/internal/users"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cupid-api",
		Short: "Cupid chain synchronizer and realtime chat gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("chain-ws-url", "", "Chain node websocket endpoint")
	cmd.PersistentFlags().String("matchmaking-address", "", "Match-making contract address")
	cmd.PersistentFlags().String("soulbound-address", "", "Soulbound profile contract address")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "chain.ws_url", "chain-ws-url")
	bindFlag(cmd, "chain.matchmaking_address", "matchmaking-address")
	bindFlag(cmd, "chain.soulbound_address", "soulbound-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
	})
	if err != nil {
		return err
	}

	idProvider := users.NewUUIDProvider()
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  idProvider,
		Reassigners: []users.Reassigner{chatService, events.WalletLinkReassigner{}},
		Logger:      logger.Named("users"),
	})
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewStore(db, time.Now)
	if err != nil {
		return err
	}

	chatGateway, err := gateway.New(gateway.Config{
		Authenticator:  sessionValidator,
		Users:          userService,
		Chat:           chatService,
		Registry:       presence.NewRegistry(),
		IDProvider:     idProvider,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.SendBuffer,
		Metrics:        gateway.NewMetrics(registry),
		Logger:         logger.Named("gateway"),
	})
	if err != nil {
		return err
	}

	applier, err := events.NewApplier(events.ApplierConfig{
		Database:  db,
		Users:     userService,
		Rooms:     chatService,
		Announcer: chatGateway,
		Clock:     time.Now,
		Logger:    logger.Named("applier"),
	})
	if err != nil {
		return err
	}

	bindings := []events.Binding{
		{Emitter: appConfig.MatchMakingAddress, Kinds: events.MatchMakingKinds()},
		{Emitter: appConfig.SoulboundAddress, Kinds: events.SoulboundKinds()},
	}
	codec := events.NewCodec(bindings)
	synchronizer, err := chainsync.New(chainsync.Config{
		Store:        checkpoints,
		Applier:      applier,
		Dial:         chainsync.NewRPCDialer(appConfig.ChainWebsocketURL, codec, logger.Named("chain")),
		Bindings:     bindings,
		BatchSize:    appConfig.SyncBatchSize,
		Lookback:     appConfig.SyncLookback,
		Concurrency:  appConfig.SyncConcurrency,
		RetryInitial: appConfig.SyncRetryInitial,
		RetryMax:     appConfig.SyncRetryMax,
		Metrics:      chainsync.NewMetrics(registry),
		Logger:       logger.Named("chainsync"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gateway:        chatGateway,
		Sync:           synchronizer,
		Checkpoints:    checkpoints,
		Database:       sqlDB,
		Gatherer:       registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return synchronizer.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := chatGateway.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID        string
		walletAddress string
		displayName   string
		ttl           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a session token for a gateway client",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			token, expiresIn, err := issuer.Issue(auth.SessionClaims{
				UserID:        userID,
				WalletAddress: walletAddress,
				DisplayName:   displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Session subject")
	cmd.Flags().StringVar(&walletAddress, "wallet", "", "Wallet address linked to the session")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}
	return cmd
}
