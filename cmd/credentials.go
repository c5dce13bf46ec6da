package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/observability"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manages stored agent credentials",
	}
	cmd.AddCommand(
		newCredentialsListCmd(),
		newCredentialsShowCmd(),
		newCredentialsDeactivateCmd(),
		newCredentialsDeleteCmd(),
		newCredentialsRotateCmd(),
		newCredentialsCleanupCmd(),
	)
	return cmd
}

func openStore(cmd *cobra.Command) (*credentials.Store, error) {
	cfg, err := getConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := credentials.Open(cfg.Credentials.Path, observability.GetLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return store, nil
}

func newCredentialsListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list [domain]",
		Short: "Lists credentials, most recently used first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			var domain string
			if len(args) == 1 {
				domain = args[0]
			}
			creds := store.List(domain, activeOnly)
			if len(creds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No credentials stored.")
				return nil
			}
			writeCredentialTable(cmd.OutOrStdout(), creds, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "hide inactive and expired credentials")
	return cmd
}

func writeCredentialTable(w io.Writer, creds []*credentials.Credential, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT ID\tNAME\tDOMAIN\tSTATUS\tSESSIONS\tLAST USED\tKEY")
	for _, c := range creds {
		status := "active"
		switch {
		case !c.IsActive:
			status = "inactive"
		case c.Expired(now):
			status = "expired"
		}
		lastUsed := "never"
		if c.LastUsed != nil {
			lastUsed = c.LastUsed.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.AgentID, c.AgentName, c.Domain, status, c.SessionCount, lastUsed, observability.MaskKey(c.APIKey))
	}
	_ = tw.Flush()
}

func newCredentialsShowCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Prints one credential as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			c, err := store.GetByID(args[0])
			if err != nil {
				return err
			}
			if !reveal {
				c.APIKey = observability.MaskKey(c.APIKey)
			}
			data, err := json.MarshalIndent(c, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the API key unmasked")
	return cmd
}

func newCredentialsDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <agent-id>",
		Short: "Marks a credential unusable without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Deactivate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", args[0])
			return nil
		},
	}
}

func newCredentialsDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Removes a credential permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if !yes && !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Delete credential %s?", args[0])) {
				return errors.New("aborted")
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newCredentialsRotateCmd() *cobra.Command {
	var (
		key         string
		permissions []string
	)
	cmd := &cobra.Command{
		Use:   "rotate <agent-id>",
		Short: "Replaces a credential's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return errors.New("--key is required")
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			var perms []string
			if cmd.Flags().Changed("permissions") {
				perms = permissions
			}
			if err := store.Rotate(args[0], key, perms); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "the new API key")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "replace the granted permissions")
	return cmd
}

func newCredentialsCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Deletes expired credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			n, err := store.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired credentials\n", n)
			return nil
		},
	}
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
