package commands

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// dsdlGeneratePackagesCmd delegates DSDL code generation to the external
// generator. The compiler is an external collaborator of the stack; this
// command only provides a uniform entry point.
func dsdlGeneratePackagesCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "dsdl-generate-packages ROOT_NAMESPACE_DIR...",
		Short: "Generate Go packages from DSDL namespaces via the external generator",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("%w: at least one root namespace directory is required", errUsage)
			}
			for _, dir := range args {
				if st, err := os.Stat(dir); err != nil || !st.IsDir() {
					return fmt.Errorf("%w: %q is not a directory", errUsage, dir)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := exec.LookPath("nunavut")
			if err != nil {
				return fmt.Errorf("the DSDL generator (nunavut) is not installed: %w", err)
			}
			genArgs := []string{"--target-language", "go", "--outdir", outDir}
			genArgs = append(genArgs, args...)
			run := exec.CommandContext(cmd.Context(), gen, genArgs...)
			run.Stdout = cmd.OutOrStdout()
			run.Stderr = cmd.ErrOrStderr()
			if err := run.Run(); err != nil {
				return fmt.Errorf("dsdl generation failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "outdir", ".", "output directory for generated packages")
	return cmd
}
