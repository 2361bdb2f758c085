// Package tasks builds a worker.TaskList from a directory of Go plugins.
//
// Each *.so file is one plugin. A plugin exporting Task (a worker.Task, or a
// function with the worker.TaskFunc signature) is registered under the file
// name without its extension; a plugin exporting Tasks (a worker.TaskList)
// contributes all of its entries.
package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/worker"
)

// opener loads one plugin file; replaced in tests.
type opener func(path string) (symbolLookup, error)

type symbolLookup interface {
	Lookup(name string) (plugin.Symbol, error)
}

func openPlugin(path string) (symbolLookup, error) {
	return plugin.Open(path)
}

// Load scans dir and returns the tasks it provides.
func Load(dir string, logger *zap.Logger) (worker.TaskList, error) {
	return load(dir, logger, openPlugin)
}

func load(dir string, logger *zap.Logger, open opener) (worker.TaskList, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not find tasks to execute in %q", dir)
	}

	tasks := worker.TaskList{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".so" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), ".so")

		p, err := open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error processing '%s'", path)
		}
		if err := register(tasks, name, p); err != nil {
			return nil, errors.Wrapf(err, "error processing '%s'", path)
		}
	}
	logger.Info("loaded tasks", zap.String("directory", dir), zap.Strings("tasks", tasks.Names()))
	return tasks, nil
}

func register(tasks worker.TaskList, name string, p symbolLookup) error {
	if sym, err := p.Lookup("Tasks"); err == nil {
		list, ok := sym.(*worker.TaskList)
		if !ok {
			return errors.Errorf("invalid Tasks export: expected worker.TaskList, received %T", sym)
		}
		for id, task := range *list {
			if task == nil {
				return errors.Errorf("invalid task '%s': nil", id)
			}
			tasks[id] = task
		}
		return nil
	}

	sym, err := p.Lookup("Task")
	if err != nil {
		return errors.New("plugin exports neither Task nor Tasks")
	}
	task, err := asTask(sym)
	if err != nil {
		return errors.Wrapf(err, "invalid task '%s'", name)
	}
	tasks[name] = task
	return nil
}

// asTask accepts the shapes a plugin symbol can take: a pointer to an
// exported variable, or an exported function.
func asTask(sym plugin.Symbol) (worker.Task, error) {
	switch t := sym.(type) {
	case *worker.Task:
		if *t != nil {
			return *t, nil
		}
	case *worker.TaskFunc:
		if *t != nil {
			return *t, nil
		}
	case worker.Task:
		return t, nil
	case func(context.Context, json.RawMessage, *worker.Helpers) error:
		return worker.TaskFunc(t), nil
	}
	return nil, errors.Errorf("expected worker.Task, received %T", sym)
}
