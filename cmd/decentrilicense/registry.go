package main

import (
	"context"
	"fmt"

	"decentrilicense/pkg/config"
	"decentrilicense/pkg/metrics"
	"decentrilicense/pkg/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "WAN license registry",
	}
	cmd.AddCommand(registryServeCmd(), registryHolderCmd())
	return cmd
}

func registryServeCmd() *cobra.Command {
	var (
		address   string
		redisAddr string
		natsURL   string
		rateLimit float64
		burst     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			rc, err := loadRegistryConfig()
			if err != nil {
				return err
			}
			if address != "" {
				rc.Address = address
			}
			if redisAddr != "" {
				rc.RedisAddr = redisAddr
			}
			if natsURL != "" {
				rc.NATSURL = natsURL
			}
			if rateLimit > 0 {
				rc.RateLimit = rateLimit
			}
			if burst > 0 {
				rc.Burst = burst
			}
			rc.ApplyDefaults()
			if err := rc.Validate(); err != nil {
				return fmt.Errorf("invalid registry config: %w", err)
			}

			var store registry.Store = registry.NewMemoryStore()
			if rc.RedisAddr != "" {
				rs, err := registry.NewRedisStore(rc.RedisAddr)
				if err != nil {
					return err
				}
				store = rs
				logger.Info("Using Redis store", zap.String("addr", rc.RedisAddr))
			}
			defer store.Close()

			var publisher registry.Publisher
			if rc.NATSURL != "" {
				np, err := registry.NewNATSPublisher(rc.NATSURL, logger)
				if err != nil {
					return err
				}
				defer np.Close()
				publisher = np
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.NewMetrics(reg)

			svc := registry.NewService(store, publisher, rc.InactiveTimeout, logger)
			srv := registry.NewServer(svc, registry.ServerOptions{
				RateLimit:      rc.RateLimit,
				Burst:          rc.Burst,
				RequestTimeout: rc.RequestTimeout,
				Metrics:        m,
				Gatherer:       reg,
			}, logger)

			ctx, cancel := signalContext()
			defer cancel()
			go svc.RunCleanup(ctx, rc.CleanupInterval)

			fmt.Printf("Registry listening on %s\n", rc.Address)
			return srv.ListenAndServe(ctx, rc.Address)
		},
	}

	cmd.Flags().StringVarP(&address, "addr", "a", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address; in-memory store when empty")
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS URL for holder-change events")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "requests per second per server (default 1000)")
	cmd.Flags().IntVar(&burst, "burst", 0, "rate limiter burst (default 2000)")
	return cmd
}

func registryHolderCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "holder <license-code>",
		Short: "Ask a registry who holds a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := registry.NewClient(url, config.DefaultRegistryTimeout)
			d, err := c.Holder(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(field("Holder", d.DeviceID, valueStyle))
			fmt.Println(field("Address", fmt.Sprintf("%s:%d", d.PublicIP, d.TCPPort), valueStyle))
			fmt.Println(field("Last seen", d.LastSeen.Format("2006-01-02 15:04:05"), valueStyle))
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "registry URL")
	return cmd
}

func loadRegistryConfig() (config.RegistryServerConfig, error) {
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
		return config.RegistryServerConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Registry, nil
}
