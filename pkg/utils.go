// Package pkg contains helpers shared by the webpipe commands
package pkg

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// FindTaskFile returns the path of the closest tasks.star file in dir or one of its parents
func FindTaskFile(dir string) (string, error) {
	path := dir
	for {
		taskPath := filepath.Join(path, "tasks.star")
		_, err := os.Stat(taskPath)
		if err == nil {
			return taskPath, nil
		}

		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "Failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.New("No tasks.star file found")
		}
		path = parent
	}
}

// GetProjectRoot returns the directory containing the tasks.star file closest to the working directory
func GetProjectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "Failed to retrieve the current working directory")
	}

	taskPath, err := FindTaskFile(wd)
	if err != nil {
		return "", eris.Wrap(err, "Project root not found")
	}
	return filepath.Dir(taskPath), nil
}

func PrintTask(msg string) {
	colorstring.Printf("[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(msg string) {
	colorstring.Printf("[green][bold]  ->[reset] %s\n", msg)
}

func PrintError(msg string) {
	colorstring.Printf("[red][bold]  ->[reset] %s\n", msg)
}
