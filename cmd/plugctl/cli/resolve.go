package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"

	"github.com/portalforge/plugctl/internal/manifest"
	"github.com/portalforge/plugctl/internal/resolve"
)

var resolveLocalStore string

var resolveCmd = &cobra.Command{
	Use:   "resolve <manifest-path>",
	Short: "Show the fetch plan for a manifest without installing anything",
	Long: `Resolve loads the manifest (including its includes), classifies each
enabled plugin's source, and prints where it would be fetched from and which
directory it would occupy in the runtime root. Nothing is downloaded.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&resolveLocalStore, "local-store", ".", "base directory for ./ package paths")
}

func runResolve(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if errdefs.IsNotFound(err) {
		fmt.Printf("No %s file found, nothing to resolve\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}

	plans, err := resolve.Build(m, resolve.Options{LocalStoreDir: resolveLocalStore})
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plans)
	}

	if len(plans) == 0 {
		fmt.Println("No enabled plugins")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tKIND\tVERSION\tDESTINATION")
	for _, p := range plans {
		version := p.Version
		if p.Kind != resolve.KindNPM {
			version = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Package, p.Kind, version, p.Dest)
	}
	return w.Flush()
}
