package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type secretMetadata struct {
	Name     string `json:"name"`
	Legacy   bool   `json:"legacy"`
	Envelope *struct {
		Version    int    `json:"version"`
		Algorithm  string `json:"algorithm"`
		KEKVersion string `json:"kek_version"`
		Timestamp  string `json:"timestamp"`
	} `json:"envelope"`
	NeedsReEncryption bool   `json:"needs_reencryption"`
	Size              int    `json:"size"`
	UpdatedAt         string `json:"updated_at"`
}

func secretPath(name string) string {
	return "/v1/secrets/" + url.PathEscape(name)
}

// secretCmd はシークレット操作のコマンド。
func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Store and read secrets",
	}
	cmd.AddCommand(secretPutCmd(), secretGetCmd(), secretMetaCmd(), secretListCmd(), secretDeleteCmd(), secretImportLegacyCmd())
	return cmd
}

func secretPutCmd() *cobra.Command {
	var (
		value string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "put <name>",
		Short: "Encrypt and store a secret (reads stdin when neither --value nor --file is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plaintext []byte
			switch {
			case value != "":
				plaintext = []byte(value)
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading %s: %w", file, err)
				}
				plaintext = b
			default:
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				plaintext = b
			}
			if len(plaintext) == 0 {
				return fmt.Errorf("secret value is empty")
			}

			req := map[string]string{"value": base64.StdEncoding.EncodeToString(plaintext)}
			body, _, err := doRequest(http.MethodPut, secretPath(args[0]), req, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var m secretMetadata
				if err := decodeInto(body, &m); err != nil {
					return err
				}
				okColor.Printf("Stored %s", m.Name)
				if m.Envelope != nil {
					fmt.Printf(" (key version %s, %s)", m.Envelope.KEKVersion, m.Envelope.Algorithm)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value")
	cmd.Flags().StringVar(&file, "file", "", "Read the secret value from a file")
	cmd.MarkFlagsMutuallyExclusive("value", "file")
	return cmd
}

func secretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Decrypt a secret and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := doRequest(http.MethodGet, secretPath(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var resp struct {
					Value string `json:"value"`
				}
				if err := decodeInto(body, &resp); err != nil {
					return err
				}
				plaintext, err := base64.StdEncoding.DecodeString(resp.Value)
				if err != nil {
					return fmt.Errorf("decoding value: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(plaintext)
				return err
			})
		},
	}
}

func secretMetaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meta <name>",
		Short: "Show secret metadata without decrypting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := doRequest(http.MethodGet, secretPath(args[0])+"/metadata", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var m secretMetadata
				if err := decodeInto(body, &m); err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "name\t%s\n", m.Name)
				if m.Legacy {
					fmt.Fprintf(w, "format\t%s\n", warnColor.Sprint("legacy (run keyctl migrate run)"))
				} else if m.Envelope != nil {
					fmt.Fprintf(w, "format\tenvelope v%d\n", m.Envelope.Version)
					fmt.Fprintf(w, "algorithm\t%s\n", m.Envelope.Algorithm)
					fmt.Fprintf(w, "key version\t%s\n", m.Envelope.KEKVersion)
					fmt.Fprintf(w, "encrypted at\t%s\n", m.Envelope.Timestamp)
				}
				fmt.Fprintf(w, "needs re-encryption\t%v\n", m.NeedsReEncryption)
				fmt.Fprintf(w, "size\t%d\n", m.Size)
				fmt.Fprintf(w, "updated at\t%s\n", m.UpdatedAt)
				return w.Flush()
			})
		},
	}
}

func secretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := doRequest(http.MethodGet, "/v1/secrets", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var resp struct {
					Secrets []secretMetadata `json:"secrets"`
				}
				if err := decodeInto(body, &resp); err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tFORMAT\tKEY VERSION\tUPDATED AT")
				for _, m := range resp.Secrets {
					format, kek := "legacy", "-"
					if m.Envelope != nil {
						format, kek = m.Envelope.Algorithm, m.Envelope.KEKVersion
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, format, kek, m.UpdatedAt)
				}
				return w.Flush()
			})
		},
	}
}

func secretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := doRequest(http.MethodDelete, secretPath(args[0]), nil, http.StatusNoContent); err != nil {
				return err
			}
			if output == "json" {
				fmt.Println("{}")
				return nil
			}
			okColor.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func secretImportLegacyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <name> <ciphertext>",
		Short: "Store a pre-envelope ciphertext as-is for later migration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"value": args[1]}
			if _, _, err := doRequest(http.MethodPut, secretPath(args[0])+"/legacy", req, http.StatusAccepted); err != nil {
				return err
			}
			if output == "json" {
				fmt.Println("{}")
				return nil
			}
			okColor.Printf("Imported legacy value for %s\n", args[0])
			return nil
		},
	}
}
