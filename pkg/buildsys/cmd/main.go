// Package cmd implements the task command for the buildsys package
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/webpipe/pkg"
	"github.com/ngld/webpipe/pkg/buildsys"
)

func loadTasks(ctx context.Context, taskPath string, options map[string]string, useCache bool) (buildsys.TaskList, error) {
	projectRoot := filepath.Dir(taskPath)
	cachePath := filepath.Join(projectRoot, ".tmp", "tasks.cache")

	if useCache {
		cachedOptions, taskList, err := buildsys.ReadCache(cachePath)
		if err == nil && buildsys.CacheValid(cachePath, taskPath, cachedOptions, options) {
			log := zerolog.Ctx(ctx)
			log.Debug().Msg("Using cached task list")
			return taskList, nil
		}
	}

	taskList, err := buildsys.Parse(ctx, taskPath, projectRoot, options)
	if err != nil {
		return nil, err
	}

	if useCache {
		err = buildsys.WriteCache(cachePath, options, taskList)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to write the task cache")
		}
	}
	return taskList, nil
}

func printTasks(taskList buildsys.TaskList) {
	fmt.Println("Available tasks:")
	maxNameLen := 0
	names := make([]string, 0, len(taskList))
	for _, name := range taskList.Names() {
		if taskList[name].Hidden {
			continue
		}

		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
		names = append(names, name)
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		fmt.Printf(lineFmt, name+":", taskList[name].Desc)
	}
}

var RootCmd = &cobra.Command{
	Use:   "task [task...] [option=value...]",
	Short: "Runs the tasks declared in tasks.star",
	Long: `This command parses the first tasks.star file it finds and executes the given tasks.
Without task names, the available tasks are listed.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs := make([]string, 0)
		options := make(map[string]string)
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				taskArgs = append(taskArgs, part)
			}
		}

		logger := zerolog.New(NewConsoleWriter())
		if os.Getenv("BUILDSYS_DEBUG") == "" {
			logger = logger.Level(zerolog.InfoLevel)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = buildsys.WithLogger(ctx, &logger)

		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "Failed to retrieve the current working directory")
		}

		taskPath, err := pkg.FindTaskFile(wd)
		if err != nil {
			return err
		}

		taskList, err := loadTasks(ctx, taskPath, options, !noCache)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to parse tasks")
			return eris.New("failed to parse tasks")
		}

		if len(taskArgs) == 0 {
			printTasks(taskList)
			return nil
		}

		err = buildsys.RunTasks(ctx, filepath.Dir(taskPath), taskArgs, taskList, dryRun, force)
		if err != nil {
			logger.Error().Err(err).Msgf("Failed to run %s", strings.Join(taskArgs, ", "))
			return eris.New("build failed")
		}

		return nil
	},
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	RootCmd.Flags().Bool("no-cache", false, "always parse tasks.star instead of using the cached task list")
}
