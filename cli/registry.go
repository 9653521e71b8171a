// Package cli collects experimentctl commands and exposes them to kong as
// dynamic commands.
package cli

import (
	"strings"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-errors"
)

// Command is a command that can be mounted on the CLI. CLIHandler returns
// the kong command struct; its Run method is invoked by kong.
type Command interface {
	CLIHandler() any
	CLIOptions() Config
}

type Config struct {
	Name        string
	Description string
	Group       string
	Aliases     []string
	Hidden      bool
}

func (opts Config) BuildTags() []string {
	var tags []string
	if len(opts.Aliases) > 0 {
		tags = append(tags, `aliases:"`+strings.Join(opts.Aliases, ",")+`"`)
	}
	if opts.Hidden {
		tags = append(tags, `hidden:""`)
	}
	return tags
}

type Registry struct {
	mu          sync.RWMutex
	commands    []Command
	names       map[string]bool
	initialized bool
	options     []kong.Option
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

func (r *Registry) RegisterCommand(cmd Command) error {
	if cmd == nil {
		return errors.New("command cannot be nil", errors.CategoryBadInput).
			WithTextCode("NIL_COMMAND")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("cannot register commands after registry has been initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}
	name := cmd.CLIOptions().Name
	if name == "" {
		return errors.New("command name cannot be empty", errors.CategoryBadInput).
			WithTextCode("CLI_NAME_EMPTY")
	}
	if r.names[name] {
		return errors.New("cli command already registered", errors.CategoryConflict).
			WithTextCode("CLI_PATH_CONFLICT").
			WithMetadata(map[string]any{"name": name})
	}
	r.names[name] = true
	r.commands = append(r.commands, cmd)
	return nil
}

// Initialize turns every registered command into a kong option.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("registry already initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}

	for _, cmd := range r.commands {
		opts := cmd.CLIOptions()
		r.options = append(r.options, kong.DynamicCommand(
			opts.Name,
			opts.Description,
			opts.Group,
			cmd.CLIHandler(),
			opts.BuildTags()...,
		))
	}
	r.initialized = true
	return nil
}

func (r *Registry) CLIOptions() ([]kong.Option, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil, errors.New("registry not initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_NOT_INITIALIZED")
	}

	options := make([]kong.Option, len(r.options))
	copy(options, r.options)
	return options, nil
}
