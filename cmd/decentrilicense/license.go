package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"decentrilicense/pkg/client"
	"decentrilicense/pkg/metrics"
	"decentrilicense/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func activateCmd() *cobra.Command {
	var (
		flags     sessionFlags
		hold      bool
		exportDir string
	)

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Elect this device as the license holder and bind the token to it",
		Long: `Verify the token, look for other holders on the LAN (and the registry when
configured) and bind the token to this device if it wins. With --hold the
device keeps answering other devices until interrupted, then releases.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			session, err := flags.openSession(ctx, logger)
			if err != nil {
				return err
			}
			defer session.Shutdown()

			if flags.metricsAddr != "" {
				srv := metrics.StartMetricsServer(flags.metricsAddr, prometheus.DefaultGatherer, logger)
				defer srv.Close()
			}

			res, err := session.ActivateBindDevice(ctx)
			if err != nil {
				return err
			}
			printResult("Activation", res)
			if !res.Valid {
				return fmt.Errorf("%w: activation refused: %s", client.ErrInvalidArgument, res.Detail)
			}

			if exportDir != "" {
				path, err := session.SaveExport(exportDir)
				if err != nil {
					return err
				}
				fmt.Printf("Activated token written to %s\n", path)
			}

			if !hold {
				return nil
			}
			fmt.Println("Holding license, press Ctrl+C to release")
			<-ctx.Done()

			if err := session.Release(context.Background(), ""); err != nil {
				logger.Warn("Failed to release token", zap.Error(err))
			}
			return nil
		},
	}

	flags.register(cmd, true)
	cmd.Flags().BoolVar(&hold, "hold", false, "keep coordinating until interrupted")
	cmd.Flags().StringVarP(&exportDir, "export", "e", "", "write the activated token to this directory")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func recordCmd() *cobra.Command {
	var (
		flags     sessionFlags
		action    string
		params    string
		exportDir string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append a usage entry to the token's state chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			payload := map[string]interface{}{"action": action}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("%w: --params is not valid JSON", client.ErrInvalidArgument)
				}
				payload["params"] = json.RawMessage(params)
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}

			session, err := flags.openSession(ctx, logger)
			if err != nil {
				return err
			}
			defer session.Shutdown()

			res, err := session.ActivateBindDevice(ctx)
			if err != nil {
				return err
			}
			if !res.Valid {
				printResult("Activation", res)
				return fmt.Errorf("%w: activation refused: %s", client.ErrInvalidArgument, res.Detail)
			}

			res, err = session.RecordUsage(ctx, data)
			if err != nil {
				return err
			}
			printResult("Usage", res)
			if !res.Valid {
				return fmt.Errorf("usage not recorded: %s", res.Detail)
			}

			path, err := session.SaveExport(exportDir)
			if err != nil {
				return err
			}
			st, err := session.GetStatus()
			if err != nil {
				return err
			}
			fmt.Printf("State index %d written to %s\n", st.StateIndex, path)
			return nil
		},
	}

	flags.register(cmd, true)
	cmd.Flags().StringVar(&action, "action", "", "usage action name")
	cmd.Flags().StringVar(&params, "params", "", "usage parameters as a JSON object")
	cmd.Flags().StringVarP(&exportDir, "export", "e", ".", "directory for the updated token")
	cmd.MarkFlagRequired("action")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		flags sessionFlags
		out   string
		plain bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Re-export a token in encrypted or plain form",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			session, err := flags.openSession(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer session.Shutdown()

			if !plain {
				path, err := session.SaveExport(out)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			}

			data, err := session.ExportCurrentTokenPlain()
			if err != nil {
				return err
			}
			if out == "." || out == "-" {
				fmt.Println(string(data))
				return nil
			}
			return os.WriteFile(out, data, 0600)
		},
	}

	flags.register(cmd, true)
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory (encrypted) or file (plain, '-' for stdout)")
	cmd.Flags().BoolVar(&plain, "plain", false, "write plaintext JSON")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		flags    sessionFlags
		activate bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show device and token status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			session, err := flags.openSession(ctx, logger)
			if err != nil {
				return err
			}
			defer session.Shutdown()

			var activation *types.VerificationResult
			if activate {
				res, err := session.ActivateBindDevice(ctx)
				if err != nil {
					return err
				}
				activation = &res
			}

			report, err := collectStatus(session)
			if err != nil {
				return err
			}
			report.Activation = activation

			if asJSON {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Println(renderStatus(report))
			return nil
		},
	}

	flags.register(cmd, false)
	cmd.Flags().BoolVar(&activate, "activate", false, "run an election before reporting")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func releaseCmd() *cobra.Command {
	var (
		flags     sessionFlags
		toDevice  string
		exportDir string
	)

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Give up the license and write a hand-off export",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			session, err := flags.openSession(ctx, logger)
			if err != nil {
				return err
			}
			defer session.Shutdown()

			// export first: a LAN peer that accepts the hand-off takes the token
			path, err := session.SaveExport(exportDir)
			if err != nil {
				return err
			}
			if err := session.Release(ctx, toDevice); err != nil {
				return err
			}
			fmt.Printf("Released; hand %s to the next device\n", path)
			return nil
		},
	}

	flags.register(cmd, true)
	cmd.Flags().StringVar(&toDevice, "to", "", "device id to hand the token to, over the LAN and the registry")
	cmd.Flags().StringVarP(&exportDir, "export", "e", ".", "directory for the hand-off token")
	return cmd
}

// statusReport is what `status` prints.
type statusReport struct {
	DeviceID     string                    `json:"device_id"`
	DeviceState  string                    `json:"device_state"`
	Token        types.Status              `json:"token"`
	Verification types.VerificationResult  `json:"verification"`
	Activation   *types.VerificationResult `json:"activation,omitempty"`
	Peers        []peerRow                 `json:"peers"`
}

type peerRow struct {
	DeviceID       string `json:"device_id"`
	Addr           string `json:"addr"`
	HolderPriority bool   `json:"holder_priority"`
	StateIndex     uint64 `json:"state_index"`
	Status         string `json:"status"`
	LastSeen       string `json:"last_seen"`
}

func collectStatus(session *client.Session) (*statusReport, error) {
	id, err := session.GetDeviceID()
	if err != nil {
		return nil, err
	}
	state, err := session.GetDeviceState()
	if err != nil {
		return nil, err
	}
	st, err := session.GetStatus()
	if err != nil {
		return nil, err
	}
	verification, err := session.OfflineVerifyCurrentToken()
	if err != nil {
		return nil, err
	}
	peers, err := session.Peers()
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		DeviceID:     id,
		DeviceState:  state.String(),
		Token:        st,
		Verification: verification,
		Peers:        make([]peerRow, 0, len(peers)),
	}
	for _, p := range peers {
		report.Peers = append(report.Peers, peerRow{
			DeviceID:       p.DeviceID,
			Addr:           p.Addr,
			HolderPriority: p.HolderPriority,
			StateIndex:     p.StateIndex,
			Status:         p.Status.String(),
			LastSeen:       p.LastSeen.Format("15:04:05"),
		})
	}
	return report, nil
}
