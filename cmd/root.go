// Package cmd contains the sub commands of the webpipe binary
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ngld/webpipe/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "webpipe",
	Short: "Front-end build pipeline",
	Long: `webpipe runs the tasks declared in tasks.star: linting, bundling, styles, templates, asset optimization
and the development server with live reload. It also downloads vendor packages and provides portable
versions of the file commands used by shell steps.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(cmd.RootCmd)
}

// Execute runs the command line
func Execute() {
	cobra.CheckErr(rootCmd.ExecuteContext(context.Background()))
}
