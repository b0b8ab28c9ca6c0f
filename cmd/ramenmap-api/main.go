package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/config"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/database"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/lexicon"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/llm"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/server"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/spam"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/textnorm"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/trust"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ramenmap-api",
		Short: "Ramen map trust and moderation service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newLexiconCommand(), newLedgerCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("badwords-path", defaults.GetString("lexicon.badwords_path"), "Badword lexicon file")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "lexicon.badwords_path", "badwords-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the moderation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newLexiconCommand() *cobra.Command {
	lexiconCmd := &cobra.Command{
		Use:   "lexicon",
		Short: "Inspect the spam lexicon",
	}
	lexiconCmd.AddCommand(&cobra.Command{
		Use:   "check <text>",
		Short: "Score text with the configured lexicon and weights",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			scorer, _, err := buildScorer(appConfig, zap.NewNop())
			if err != nil {
				return err
			}
			result := scorer.Score(textnorm.Normalize(strings.Join(args, " ")))
			reasons := make([]string, 0, len(result.Reasons))
			for _, reason := range result.Reasons {
				reasons = append(reasons, string(reason))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "score=%.2f spam=%t reasons=%s\n", result.Score, result.IsSpam, strings.Join(reasons, ","))
			return nil
		},
	})
	return lexiconCmd
}

func newLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Maintain the reputation ledger",
	}
	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Re-derive rank and status for every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, ledger *reputation.Ledger) error {
				changed, err := ledger.RecomputeAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recomputed users: %d changed\n", changed)
				return nil
			})
		},
	})
	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "verify <user-id>",
		Short: "Compare a user's points with the ledger sum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, ledger *reputation.Ledger) error {
				check, err := ledger.VerifyLedger(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user=%s points=%d ledger=%d entries=%d consistent=%t\n",
					check.UserID, check.Points, check.LedgerSum, check.Entries, check.Consistent)
				if !check.Consistent {
					return fmt.Errorf("ledger mismatch for %s", check.UserID)
				}
				return nil
			})
		},
	})
	return ledgerCmd
}

func withLedger(ctx context.Context, run func(context.Context, *reputation.Ledger) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	_, ledger, err := buildLedger(appConfig, db, logger)
	if err != nil {
		return err
	}
	return run(ctx, ledger)
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(appConfig.DatabaseDriver, appConfig.DatabaseTarget(), logger)
}

func buildLedger(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*users.Service, *reputation.Ledger, error) {
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, nil, err
	}
	ledger, err := reputation.NewLedger(reputation.LedgerConfig{
		Database:   db,
		Users:      userService,
		IDProvider: content.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
		Ranks:      appConfig.Reputation.Ranks,
		Statuses:   appConfig.Reputation.Statuses,
	})
	if err != nil {
		return nil, nil, err
	}
	return userService, ledger, nil
}

// buildScorer loads the badword lexicon and the blocklist snapshot. The blocklist store is returned so
// the caller can schedule refreshes.
func buildScorer(appConfig config.AppConfig, logger *zap.Logger) (*spam.Scorer, *lexicon.BlocklistStore, error) {
	badwords := lexicon.Empty()
	if path := strings.TrimSpace(appConfig.Lexicon.BadwordsPath); path != "" {
		loaded, err := lexicon.LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		badwords = loaded
	}
	blocklists, err := lexicon.NewBlocklistStore(appConfig.Lexicon.BlocklistPath, logger)
	if err != nil {
		return nil, nil, err
	}
	scorer := spam.NewScorer(spam.ScorerConfig{
		Threshold:  appConfig.Spam.Threshold,
		Weights:    appConfig.Spam.Weights,
		Lexicon:    badwords,
		Blocklists: blocklists,
	})
	return scorer, blocklists, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	scorer, blocklists, err := buildScorer(appConfig, logger)
	if err != nil {
		return err
	}
	if err := blocklists.StartRefresh(appConfig.Lexicon.RefreshSchedule); err != nil {
		return err
	}
	defer blocklists.Stop()

	userService, ledger, err := buildLedger(appConfig, db, logger)
	if err != nil {
		return err
	}

	store, err := content.NewStore(db, time.Now)
	if err != nil {
		return err
	}

	history := spam.NewHistoryProbe(spam.HistoryConfig{
		Source:             store,
		RecentLimit:        appConfig.Spam.RecentLimit,
		NearDuplicateRatio: appConfig.Spam.NearDuplicateRatio,
		BurstWindow:        appConfig.Spam.BurstWindow,
		BurstLimit:         appConfig.Spam.BurstLimit,
		Clock:              time.Now,
		Logger:             logger,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Enabled: appConfig.RateLimit.Enabled,
		Budgets: appConfig.RateLimit.Budgets,
	})
	defer limiter.Close()

	llmClient := llm.New(llm.Config{
		APIKey:   appConfig.LLM.APIKey,
		Endpoint: appConfig.LLM.Endpoint,
		Timeout:  appConfig.LLM.Timeout,
		Logger:   logger,
	})
	if _, disabled := llmClient.(llm.DisabledClient); disabled {
		logger.Warn("llm api key not configured; moderation reviews will use the fallback policy",
			zap.String("fallback_policy", string(appConfig.LLM.FallbackPolicy)))
	}

	notices := server.NewNoticeDispatcher()

	moderator, err := moderation.NewModerator(moderation.Config{
		Database:           db,
		Users:              userService,
		Ledger:             ledger,
		LLM:                llmClient,
		Model:              appConfig.LLM.Model,
		SystemPrompt:       appConfig.LLM.SystemPrompt,
		Tiers:              appConfig.LLM.Tiers,
		Timeout:            appConfig.LLM.Timeout,
		Fallback:           appConfig.LLM.FallbackPolicy,
		CascadeThreshold:   appConfig.Moderation.CascadeThreshold,
		CascadeLimit:       appConfig.Moderation.CascadeLimit,
		CascadeConcurrency: appConfig.Moderation.CascadeConcurrency,
		Cache:              moderation.NewVerdictCache(0, appConfig.Moderation.VerdictCacheTTL),
		Notifier:           notices,
		IDProvider:         content.NewUUIDProvider(),
		Clock:              time.Now,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := moderation.NewPool(appConfig.Moderation.Workers, appConfig.Moderation.QueueSize, moderator.Handle, logger)
	pool.Start(signalCtx)
	defer pool.Stop()

	trustService, err := trust.NewService(trust.ServiceConfig{
		Database:   db,
		Users:      userService,
		Ledger:     ledger,
		Scorer:     scorer,
		History:    history,
		Limiter:    limiter,
		Scheduler:  moderation.NewScheduler(pool, moderation.DefaultTierRules(), logger),
		IDProvider: content.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sweeper := reputation.NewSanctionSweeper(ledger, logger)
	if err := sweeper.Start(signalCtx, appConfig.Reputation.SanctionSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TrustService:   trustService,
		Sessions:       sessions,
		Notices:        notices,
		HumanReviews:   moderator,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Int("moderation_workers", appConfig.Moderation.Workers),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
