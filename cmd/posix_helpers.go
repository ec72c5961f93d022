package cmd

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// expandArgs resolves glob patterns in args. Shell steps run through our own interpreter expand globs before
// calling us but patterns passed in quotes or from Windows shells arrive unexpanded.
func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	items := make([]string, 0, len(args))
	for _, arg := range args {
		if !doublestar.ValidatePathPattern(arg) || !containsMeta(arg) {
			items = append(items, arg)
			continue
		}

		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if len(matches) == 0 && !allowEmpty {
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}
	return items, nil
}

func containsMeta(arg string) bool {
	for _, c := range arg {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

var mvCmd = &cobra.Command{
	Use:   "mv source... dest",
	Short: "Cross-platform implementation of the POSIX mv command",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return eris.New("Not enough parameters")
		}

		dest := filepath.Clean(args[len(args)-1])
		items, err := expandArgs(args[:len(args)-1], false)
		if err != nil {
			return err
		}

		info, err := os.Stat(dest)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
		}
		destIsDir := err == nil && info.IsDir()

		if len(items) > 1 && !destIsDir {
			return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
		}

		if !destIsDir {
			// plain rename
			parent := filepath.Dir(dest)
			if info, err := os.Stat(parent); err != nil || !info.IsDir() {
				return eris.Errorf("Destination directory %s does not exist", parent)
			}

			return eris.Wrapf(os.Rename(items[0], dest), "Failed to move %s to %s", items[0], dest)
		}

		for _, item := range items {
			itemDest := filepath.Join(dest, filepath.Base(item))
			err = os.Rename(item, itemDest)
			if err != nil {
				return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
			}
		}

		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm path...",
	Short: "A cross-platform implementation of the POSIX rm command",
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		items, err := expandArgs(args, force)
		if err != nil {
			return err
		}

		for _, item := range items {
			info, err := os.Stat(item)
			if err != nil {
				if force && eris.Is(err, os.ErrNotExist) {
					continue
				}
				return eris.Wrapf(err, "Could not stat %s", item)
			}

			if info.IsDir() && !recursive {
				return eris.Errorf("%s is a directory but -r wasn't passed", item)
			}
		}

		for _, item := range items {
			err := os.RemoveAll(item)
			if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
				return eris.Wrapf(err, "Could not delete %s", item)
			}
		}

		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir dir...",
	Short: "A cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		makeParents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		for _, item := range args {
			if makeParents {
				err = os.MkdirAll(item, 0o770)
			} else {
				err = os.Mkdir(item, 0o770)
			}

			if err != nil {
				return eris.Wrapf(err, "Failed to create %s", item)
			}
		}

		return nil
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")

	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mkdirCmd)
}
