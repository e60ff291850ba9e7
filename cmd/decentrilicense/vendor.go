package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"decentrilicense/pkg/issuer"
	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/trust"
	"decentrilicense/pkg/types"
	"decentrilicense/pkg/utils"

	"github.com/spf13/cobra"
)

func productSecretFrom(content []byte) ([]byte, error) {
	pk, err := trust.ParseProductKey(content)
	if err != nil {
		return nil, err
	}
	return pk.Secret(), nil
}

func keygenCmd() *cobra.Command {
	var (
		alg    string
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a root and product key pair for issuing licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			algorithm, err := types.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			iss, err := issuer.New(algorithm)
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			if err := iss.Save(outDir); err != nil {
				return fmt.Errorf("failed to save keys: %w", err)
			}

			fmt.Printf("Generated %s key hierarchy in %s\n", algorithm, outDir)
			fmt.Printf("Ship %s to devices; keep the private keys offline.\n", filepath.Join(outDir, "product_public.pem"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&alg, "alg", "a", string(types.AlgEd25519), "signature algorithm (RSA, Ed25519, SM2)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "keys", "output directory")
	return cmd
}

func issueCmd() *cobra.Command {
	var (
		keyDir      string
		licenseCode string
		appID       string
		validity    string
		envHash     string
		pinHere     bool
		out         string
		encrypt     bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license token",
		RunE: func(cmd *cobra.Command, args []string) error {
			lifetime, err := utils.ParseValidity(validity)
			if err != nil {
				return err
			}
			if pinHere {
				envHash = token.EnvironmentHash()
			}
			iss, err := issuer.Load(keyDir)
			if err != nil {
				return fmt.Errorf("failed to load issuer keys: %w", err)
			}
			tok, err := iss.Issue(issuer.IssueRequest{
				LicenseCode:     licenseCode,
				AppID:           appID,
				Validity:        lifetime,
				EnvironmentHash: envHash,
			})
			if err != nil {
				return err
			}

			var data []byte
			if encrypt {
				secret, err := iss.ProductPublicKey().MarshalPEM()
				if err != nil {
					return err
				}
				sealed, err := token.Seal(tok, secret)
				if err != nil {
					return err
				}
				data = []byte(sealed)
			} else if data, err = token.MarshalIndent(tok); err != nil {
				return err
			}

			if out == "" {
				out = token.ExportFileName(tok, time.Unix(tok.IssueTime, 0))
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return fmt.Errorf("failed to write token: %w", err)
			}
			fmt.Printf("Issued token %s for %s -> %s\n", tok.TokenID, tok.LicenseCode, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyDir, "keys", "k", "keys", "issuer key directory")
	cmd.Flags().StringVarP(&licenseCode, "license-code", "l", "", "license code")
	cmd.Flags().StringVar(&appID, "app-id", "", "application id")
	cmd.Flags().StringVar(&validity, "validity", "never", "lifetime such as 30d or 1y")
	cmd.Flags().StringVar(&envHash, "environment-hash", "", "optional environment hash")
	cmd.Flags().BoolVar(&pinHere, "pin-here", false, "pin the token to this user and host")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "write the encrypted form")
	cmd.MarkFlagRequired("license-code")
	return cmd
}

func inspectCmd() *cobra.Command {
	var productKey string

	cmd := &cobra.Command{
		Use:   "inspect <token-file>",
		Short: "Print a token as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := readToken(args[0], productKey)
			if err != nil {
				return err
			}
			data, err := token.MarshalIndent(tok)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&productKey, "product-key", "p", "", "product public key file, needed for encrypted tokens")
	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		productKey string
		rootKey    string
		alg        string
	)

	cmd := &cobra.Command{
		Use:   "verify <token-file>",
		Short: "Verify a token offline against the product public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(productKey)
			if err != nil {
				return fmt.Errorf("failed to read product key: %w", err)
			}
			pk, err := trust.ParseProductKey(content)
			if err != nil {
				return err
			}
			if rootKey != "" {
				rootPEM, err := os.ReadFile(rootKey)
				if err != nil {
					return fmt.Errorf("failed to read root key: %w", err)
				}
				root, err := keys.ParsePublicKeyPEM(rootPEM)
				if err != nil {
					return err
				}
				if err := pk.VerifyRoot(root); err != nil {
					return err
				}
			}

			tok, err := readToken(args[0], productKey)
			if err != nil {
				return err
			}
			expected := pk.Public.Algorithm()
			if alg != "" {
				if expected, err = types.ParseAlgorithm(alg); err != nil {
					return err
				}
			}

			res := trust.NewVerifier(nil).VerifyTrustChain(tok, pk.Public, expected)
			printResult("Verification", res)
			if !res.Valid {
				return fmt.Errorf("token invalid: %s", res.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&productKey, "product-key", "p", "", "product public key file")
	cmd.Flags().StringVar(&rootKey, "root-key", "", "root public key file")
	cmd.Flags().StringVarP(&alg, "alg", "a", "", "expected algorithm (default: product key algorithm)")
	cmd.MarkFlagRequired("product-key")
	return cmd
}

func readToken(path, productKeyFile string) (*types.LicenseToken, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var secret []byte
	if productKeyFile != "" {
		content, err := os.ReadFile(productKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read product key: %w", err)
		}
		if secret, err = productSecretFrom(content); err != nil {
			return nil, err
		}
	}
	return token.Import(raw, secret)
}

func printResult(label string, res types.VerificationResult) {
	if res.Valid {
		fmt.Printf("%s: %s (%s)\n", label, successStyle.Render("VALID"), res.Detail)
		return
	}
	fmt.Printf("%s: %s (%s)\n", label, failureStyle.Render("INVALID"), res.Detail)
}
