package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "gbox-recorder",
		Short: "Record raw audio and video into MP4 or Matroska files",
		Long: `gbox-recorder encodes raw video frames to H.264 and PCM audio to AAC and muxes both tracks into a single fragmented MP4 or Matroska file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().Bool("version", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
