package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/havoclad/forgesteel/internal/auth"
	"github.com/havoclad/forgesteel/internal/config"
	"github.com/havoclad/forgesteel/internal/database"
	"github.com/havoclad/forgesteel/internal/logging"
	"github.com/havoclad/forgesteel/internal/room"
	"github.com/havoclad/forgesteel/internal/server"
	"github.com/havoclad/forgesteel/internal/users"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "forgesteel-api",
		Short: "Forgesteel room synchronization server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Session token issuer")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Bool("require-verified", defaults.GetBool("session.require_verified"), "Refuse unverified push-channel handshakes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.require_verified", "require-verified")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var sessionValidator *auth.SessionValidator
	if appConfig.SessionSigningSecret != "" {
		sessionValidator, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no session signing secret configured, running in legacy identity mode")
	}

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	documentStore, err := room.NewDocumentStore(room.DocumentStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	claimRegistry, err := room.NewClaimRegistry(room.ClaimRegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	authorityService, err := room.NewAuthorityService(room.AuthorityServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identity:         identityService,
		Documents:        documentStore,
		Claims:           claimRegistry,
		Authority:        authorityService,
		RequireVerified:  appConfig.RequireVerified,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newMintSessionCommand signs an operator session token using the configured
// secret. Useful for wiring a verified director without an identity provider.
func newMintSessionCommand() *cobra.Command {
	var userID string
	var username string
	var displayName string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint-session",
		Short: "Mint a signed session token for a verified identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.SessionSigningSecret == "" {
				return errors.New("session.signing_secret is required to mint tokens")
			}

			issuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			token, expiresIn, err := issuer.IssueSessionToken(auth.SessionClaims{
				UserID:          userID,
				Username:        username,
				UserDisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %d seconds\n", expiresIn)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "Stable identity for the token subject")
	cmd.Flags().StringVar(&username, "username", "", "Username claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 12h)")
	if err := cmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}
	return cmd
}
