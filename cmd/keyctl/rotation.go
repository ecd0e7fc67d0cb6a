package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type keyVersion struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	IsActive  bool   `json:"is_active"`
	Current   bool   `json:"current"`
}

type rotationResult struct {
	PreviousKeyVersion string `json:"previous_key_version"`
	NewKeyVersion      string `json:"new_key_version"`
	Reason             string `json:"reason"`
	ItemsReEncrypted   int    `json:"items_reencrypted"`
	DurationMillis     int64  `json:"duration_ms"`
	Background         bool   `json:"background"`
}

func printRotationResult(r rotationResult) {
	okColor.Printf("Rotated %s -> %s", r.PreviousKeyVersion, r.NewKeyVersion)
	fmt.Printf(" (reason: %s)\n", r.Reason)
	if r.Background {
		warnColor.Println("Re-encryption continues in the background.")
		return
	}
	fmt.Printf("Re-encrypted %d item(s) in %dms\n", r.ItemsReEncrypted, r.DurationMillis)
}

// statusCmd はローテーション状態の表示コマンド。
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key rotation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := doRequest(http.MethodGet, "/v1/rotation/status", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var s struct {
					IsRotating           bool        `json:"is_rotating"`
					CurrentKeyVersion    *keyVersion `json:"current_key_version"`
					LastRotationAt       string      `json:"last_rotation_at"`
					NextRotationDue      string      `json:"next_rotation_due"`
					AvailableKeyVersions int         `json:"available_key_versions"`
				}
				if err := decodeInto(body, &s); err != nil {
					return err
				}

				if s.CurrentKeyVersion == nil {
					errColor.Println("Not initialized")
					return nil
				}
				fmt.Print("Current key version: ")
				okColor.Println(s.CurrentKeyVersion.ID)
				fmt.Print("Rotation:            ")
				if s.IsRotating {
					warnColor.Println("in progress")
				} else {
					fmt.Println("idle")
				}
				fmt.Printf("Last rotation:       %s\n", s.LastRotationAt)
				if s.NextRotationDue != "" {
					fmt.Printf("Next rotation due:   %s\n", s.NextRotationDue)
				} else {
					dimColor.Println("Next rotation due:   (time-based rotation disabled)")
				}
				fmt.Printf("Available versions:  %d\n", s.AvailableKeyVersions)
				return nil
			})
		},
	}
}

// rotateCmd はKEKのローテーションコマンド。
func rotateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the key-encrypting key and re-encrypt stored secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"reason": "manual", "force": force}
			body, _, err := doRequest(http.MethodPost, "/v1/rotation", req, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var r rotationResult
				if err := decodeInto(body, &r); err != nil {
					return err
				}
				printRotationResult(r)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rotate even if manual rotation is disabled by policy")
	return cmd
}

// policyCmd はローテーションポリシーの表示・更新コマンド。
func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or update the rotation policy",
	}

	printPolicy := func(body []byte) error {
		return printResult(body, func() error {
			var p map[string]any
			if err := decodeInto(body, &p); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, k := range []string{
				"enabled", "rotation_interval", "rotate_on_biometric_change",
				"rotate_on_credential_change", "manual_rotation_enabled",
				"max_key_versions", "background_reencryption",
			} {
				fmt.Fprintf(w, "%s\t%v\n", k, p[k])
			}
			return w.Flush()
		})
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the rotation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := doRequest(http.MethodGet, "/v1/rotation/policy", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printPolicy(body)
		},
	}

	var (
		enabled, biometric, credential, manual, background bool
		interval                                           string
		maxVersions                                        int
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update rotation policy fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				req["enabled"] = enabled
			}
			if flags.Changed("interval") {
				req["rotation_interval"] = interval
			}
			if flags.Changed("rotate-on-biometric-change") {
				req["rotate_on_biometric_change"] = biometric
			}
			if flags.Changed("rotate-on-credential-change") {
				req["rotate_on_credential_change"] = credential
			}
			if flags.Changed("manual") {
				req["manual_rotation_enabled"] = manual
			}
			if flags.Changed("max-key-versions") {
				req["max_key_versions"] = maxVersions
			}
			if flags.Changed("background-reencryption") {
				req["background_reencryption"] = background
			}
			if len(req) == 0 {
				return fmt.Errorf("no policy fields given")
			}

			body, _, err := doRequest(http.MethodPatch, "/v1/rotation/policy", req, http.StatusOK)
			if err != nil {
				return err
			}
			return printPolicy(body)
		},
	}
	setCmd.Flags().BoolVar(&enabled, "enabled", true, "Enable automatic rotation")
	setCmd.Flags().StringVar(&interval, "interval", "", "Rotation interval (e.g. 720h, 90d)")
	setCmd.Flags().BoolVar(&biometric, "rotate-on-biometric-change", true, "Rotate when biometrics change")
	setCmd.Flags().BoolVar(&credential, "rotate-on-credential-change", true, "Rotate when device credentials change")
	setCmd.Flags().BoolVar(&manual, "manual", true, "Allow manual rotation")
	setCmd.Flags().IntVar(&maxVersions, "max-key-versions", 2, "Number of key versions to keep for decryption")
	setCmd.Flags().BoolVar(&background, "background-reencryption", false, "Re-encrypt items after switching keys")

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}

// auditCmd は監査ログの表示コマンド。
func auditCmd() *cobra.Command {
	var (
		eventType string
		since     string
		limit     int
		stored    bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the rotation audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if eventType != "" {
				q.Set("event_type", eventType)
			}
			if since != "" {
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if stored {
				q.Set("source", "store")
			}
			path := "/v1/rotation/audit"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			body, _, err := doRequest(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var resp struct {
					Entries []struct {
						Timestamp     string `json:"timestamp"`
						EventType     string `json:"event_type"`
						KeyVersion    string `json:"key_version"`
						Reason        string `json:"reason"`
						ItemsAffected int    `json:"items_affected"`
						Error         string `json:"error"`
					} `json:"entries"`
				}
				if err := decodeInto(body, &resp); err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIMESTAMP\tEVENT\tKEY VERSION\tREASON\tITEMS\tERROR")
				for _, e := range resp.Entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						e.Timestamp, e.EventType, e.KeyVersion, e.Reason, e.ItemsAffected, e.Error)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "event-type", "", "Filter by event type (e.g. key_rotated)")
	cmd.Flags().StringVar(&since, "since", "", "Only entries at or after this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Only the most recent N entries")
	cmd.Flags().BoolVar(&stored, "stored", false, "Read the persisted history instead of the in-memory log")
	return cmd
}

// versionsCmd はキーバージョンの一覧・削除コマンド。
func versionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage key versions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List key versions available for decryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := doRequest(http.MethodGet, "/v1/key-versions", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func() error {
				var resp struct {
					KeyVersions []keyVersion `json:"key_versions"`
				}
				if err := decodeInto(body, &resp); err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCURRENT")
				for _, kv := range resp.KeyVersions {
					current := ""
					if kv.Current {
						current = okColor.Sprint("*")
					}
					fmt.Fprintf(w, "%s\t%s\n", kv.ID, current)
				}
				return w.Flush()
			})
		},
	}

	var force bool
	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a key version and delete its key material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/key-versions/" + url.PathEscape(args[0])
			if force {
				path += "?force=true"
			}
			if _, _, err := doRequest(http.MethodDelete, path, nil, http.StatusNoContent); err != nil {
				return err
			}
			if output == "json" {
				fmt.Println("{}")
				return nil
			}
			okColor.Printf("Removed key version %s\n", args[0])
			return nil
		},
	}
	removeCmd.Flags().BoolVar(&force, "force", false, "Remove even if secrets still reference the version")

	cmd.AddCommand(listCmd, removeCmd)
	return cmd
}
