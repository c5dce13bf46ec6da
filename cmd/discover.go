package cmd

import (
	"fmt"
	"io"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/awi-cli/internal/capability"
	"github.com/xkilldash9x/awi-cli/internal/executor"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/network"
	"github.com/xkilldash9x/awi-cli/internal/observability"
)

// discoverClient builds the discovery HTTP client. Tests replace it.
var discoverClient = func(cmd *cobra.Command) manifest.Doer {
	cfg, _ := getConfig(cmd)
	return network.NewClient(network.ClientConfigFromConfig(cfg.Network, observability.GetLogger()))
}

func newDiscoverCmd() *cobra.Command {
	var (
		format string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "discover <url>",
		Short: "Looks up a website's AWI manifest and describes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Discovery.Format
			}
			if format == "" {
				format = capability.FormatHint(capability.Classify(cfg.Agent.Model))
			}

			d := manifest.NewDiscoverer(discoverClient(cmd), cfg.Discovery, observability.GetLogger())
			res := d.Discover(cmd.Context(), args[0], format)
			if asJSON {
				return writeDiscoveryJSON(cmd.OutOrStdout(), res)
			}
			writeDiscovery(cmd.OutOrStdout(), res)
			if !res.Found {
				return fmt.Errorf("no AWI manifest found at %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "manifest format hint (summary or enhanced)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the discovery result as JSON")
	return cmd
}

func writeDiscovery(w io.Writer, res manifest.Result) {
	for _, a := range res.Attempts {
		status := "ok"
		if a.Err != "" {
			status = a.Err
		}
		fmt.Fprintf(w, "probe %-12s %s: %s\n", a.Channel, a.URL, status)
	}
	if !res.Found {
		return
	}
	fmt.Fprintf(w, "\nManifest found via %s at %s\n", res.Channel, res.ManifestURL)
	if res.Rewrites > 0 {
		fmt.Fprintf(w, "Rewrote %d loopback URLs to %s\n", res.Rewrites, res.Origin)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, manifest.Summary(res.Manifest))
	fmt.Fprintln(w)
	fmt.Fprint(w, manifest.OperationGuide(res.Manifest, false, false))
	if kinds := executor.SessionKinds(res.Manifest); len(kinds) == 0 {
		fmt.Fprintln(w, "No session endpoints declared.")
	}
}

type discoveryOutput struct {
	Found       bool                   `json:"found"`
	Channel     string                 `json:"channel,omitempty"`
	ManifestURL string                 `json:"manifest_url,omitempty"`
	Origin      string                 `json:"origin,omitempty"`
	Rewrites    int                    `json:"rewrites"`
	Attempts    []manifest.Attempt     `json:"attempts"`
	Manifest    map[string]interface{} `json:"manifest,omitempty"`
}

func writeDiscoveryJSON(w io.Writer, res manifest.Result) error {
	out := discoveryOutput{
		Found:       res.Found,
		Channel:     string(res.Channel),
		ManifestURL: res.ManifestURL,
		Origin:      res.Origin,
		Rewrites:    res.Rewrites,
		Attempts:    res.Attempts,
	}
	if res.Manifest != nil {
		out.Manifest = res.Manifest.Raw
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode discovery result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
