// Command cargobay-token mints a client bearer token against a shared
// secret, for operators who need to hand a caller access without running
// a token service.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cargobay/cargobay/internal/authn"
	"github.com/cargobay/cargobay/internal/config"
)

var (
	cfgFile      string
	secretFlag   string
	subject      string
	repositories []string
	ttl          time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "cargobay-token",
	Short: "Mint a bearer token signed with Cargo Bay's shared secret",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file to read auth.jwt_secret from")
	rootCmd.Flags().StringVar(&secretFlag, "secret", "", "shared secret; overrides --config")
	rootCmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	rootCmd.Flags().StringArrayVar(&repositories, "repository", nil, "repository this token is restricted to (repeatable; omit for unrestricted access)")
	rootCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	//nolint:errcheck // subject flag is defined immediately above
	rootCmd.MarkFlagRequired("subject")
}

func main() {
	viper.SetEnvPrefix("CARGOBAY")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	secret, err := resolveSecret()
	if err != nil {
		return err
	}

	token, err := authn.Mint(secret, subject, repositories, ttl)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func resolveSecret() (string, error) {
	if secretFlag != "" {
		return secretFlag, nil
	}
	if env := os.Getenv("CARGOBAY_AUTH_JWT_SECRET"); env != "" {
		return env, nil
	}

	path := cfgFile
	if path == "" {
		path = "config.toml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("no --secret given and config could not be loaded: %w", err)
	}
	return cfg.Auth.JWTSecret, nil
}
