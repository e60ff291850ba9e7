package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"decentrilicense/pkg/client"
	"decentrilicense/pkg/config"
	"decentrilicense/pkg/metrics"
	"decentrilicense/pkg/token"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "decentrilicense",
		Short: "Decentralized license coordination",
		Long: `Hold, verify and hand off a signed license token among devices on a LAN.
Devices elect a single coordinator for each license; an optional registry
extends the check across networks.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		keygenCmd(),
		issueCmd(),
		inspectCmd(),
		verifyCmd(),
		activateCmd(),
		recordCmd(),
		exportCmd(),
		statusCmd(),
		releaseCmd(),
		registryCmd(),
		tlsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", client.Code(err), err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("decentrilicense v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// sessionFlags are shared by every command that opens a session.
type sessionFlags struct {
	tokenFile   string
	productKey  string
	dataDir     string
	registryURL string
	metricsAddr string
}

func (f *sessionFlags) register(cmd *cobra.Command, tokenRequired bool) {
	cmd.Flags().StringVarP(&f.tokenFile, "token", "t", "", "token file (plain or encrypted)")
	cmd.Flags().StringVarP(&f.productKey, "product-key", "p", "", "product public key file")
	cmd.Flags().StringVarP(&f.dataDir, "data-dir", "d", "", "device data directory")
	cmd.Flags().StringVar(&f.registryURL, "registry", "", "registry URL")
	if tokenRequired {
		cmd.MarkFlagRequired("token")
	}
}

// loadConfig reads the config file or DL_* environment and lets flags
// override it. A missing license code is taken from the token.
func (f *sessionFlags) loadConfig(raw []byte) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadConfig(configFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if f.productKey != "" {
		cfg.ProductPublicKeyFile = f.productKey
		cfg.ProductPublicKey = ""
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.registryURL != "" {
		cfg.RegistryURL = f.registryURL
	}

	if cfg.LicenseCode == "" && raw != nil {
		secret, _ := productSecret(cfg)
		if tok, err := token.Import(raw, secret); err == nil {
			cfg.LicenseCode = tok.LicenseCode
		}
	}
	return cfg, nil
}

// openSession initializes a session and imports the token file when one
// was given. The caller owns the returned session.
func (f *sessionFlags) openSession(ctx context.Context, logger *zap.Logger) (*client.Session, error) {
	var raw []byte
	if f.tokenFile != "" {
		var err error
		if raw, err = os.ReadFile(f.tokenFile); err != nil {
			return nil, fmt.Errorf("failed to read token file: %w", err)
		}
	}

	cfg, err := f.loadConfig(raw)
	if err != nil {
		return nil, err
	}

	opts := []client.Option{client.WithLogger(logger)}
	if f.metricsAddr != "" {
		m := metrics.NewMetrics(nil)
		opts = append(opts, client.WithMetrics(m))
	}

	session := client.New(opts...)
	if err := session.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	if raw != nil {
		if err := session.ImportToken(raw); err != nil {
			session.Shutdown()
			return nil, fmt.Errorf("failed to import token: %w", err)
		}
	}
	return session, nil
}

func productSecret(cfg *config.Config) ([]byte, error) {
	content, err := cfg.ProductKeyContent()
	if err != nil {
		return nil, err
	}
	return productSecretFrom(content)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
