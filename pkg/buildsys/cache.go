package buildsys

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
	gob.Register(TaskCmdStep{})

	// step option values besides the basic types
	gob.Register(map[string]string{})
}

// WriteCache stores the parsed task list along with the options used to produce it
func WriteCache(file string, options map[string]string, list TaskList) error {
	err := os.MkdirAll(filepath.Dir(file), 0o770)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(file))
	}

	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	return encoder.Encode(list)
}

func ReadCache(file string) (map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, nil, err
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return options, nil, err
	}

	return options, result, nil
}

// CacheValid reports whether the task list cached in cacheFile can be used instead of running script again
func CacheValid(cacheFile, script string, cachedOptions, options map[string]string) bool {
	cacheInfo, err := os.Stat(cacheFile)
	if err != nil {
		return false
	}

	scriptInfo, err := os.Stat(script)
	if err != nil || scriptInfo.ModTime().After(cacheInfo.ModTime()) {
		return false
	}

	if len(cachedOptions) != len(options) {
		return false
	}
	for key, value := range options {
		if cached, ok := cachedOptions[key]; !ok || cached != value {
			return false
		}
	}
	return true
}
