package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"decentrilicense/pkg/auth"
	"decentrilicense/pkg/storage"
	"decentrilicense/pkg/utils"

	"github.com/spf13/cobra"
)

func tlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage certificates for the LAN claim channel",
	}
	cmd.AddCommand(tlsInitCACmd(), tlsIssueCmd())
	return cmd
}

func tlsInitCACmd() *cobra.Command {
	var (
		caDir    string
		name     string
		validity string
	)

	cmd := &cobra.Command{
		Use:   "init-ca",
		Short: "Create a CA for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := utils.ParseValidity(validity)
			if err != nil {
				return err
			}
			cm, err := auth.NewCertManager(caDir)
			if err != nil {
				return err
			}
			if cm.HasCA() {
				return fmt.Errorf("a CA already exists in %s", caDir)
			}
			if err := cm.GenerateCA(name, d); err != nil {
				return err
			}
			fmt.Printf("%s CA written to %s\n", successStyle.Render("✓"), filepath.Join(caDir, auth.CACertFile))
			return nil
		},
	}

	cmd.Flags().StringVar(&caDir, "ca-dir", "./ca", "directory for ca.crt and ca.key")
	cmd.Flags().StringVar(&name, "name", "decentrilicense", "CA name")
	cmd.Flags().StringVar(&validity, "validity", "10y", "CA lifetime")
	return cmd
}

func tlsIssueCmd() *cobra.Command {
	var (
		caDir     string
		dataDir   string
		deviceID  string
		outDir    string
		addresses []string
		validity  string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a device certificate",
		Long:  `Issue a certificate whose common name is the device id. Without --device-id the id of the device in --data-dir is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := utils.ParseValidity(validity)
			if err != nil {
				return err
			}
			cm, err := auth.NewCertManager(caDir)
			if err != nil {
				return err
			}
			if !cm.HasCA() {
				return fmt.Errorf("no CA in %s; run 'tls init-ca' first", caDir)
			}

			if deviceID == "" {
				id, err := storage.LoadOrCreateIdentity(dataDir)
				if err != nil {
					return err
				}
				deviceID = id.DeviceID()
			}

			cert, key, err := cm.GenerateDeviceCertificate(deviceID, addresses, d)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			certPath := filepath.Join(outDir, "device.crt")
			keyPath := filepath.Join(outDir, "device.key")
			if err := auth.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}

			fmt.Println(field("Device", deviceID, valueStyle))
			fmt.Println(field("Certificate", certPath, valueStyle))
			fmt.Println(field("Key", keyPath, valueStyle))
			fmt.Println(field("Expires", cert.NotAfter.Format(time.RFC3339), valueStyle))
			return nil
		},
	}

	cmd.Flags().StringVar(&caDir, "ca-dir", "./ca", "CA directory")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", ".", "device data directory")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (default: read from --data-dir)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./tls", "output directory")
	cmd.Flags().StringSliceVar(&addresses, "address", nil, "IP or DNS name to include (repeatable)")
	cmd.Flags().StringVar(&validity, "validity", "1y", "certificate lifetime")
	return cmd
}
