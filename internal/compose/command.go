// Package compose runs docker compose operations for apps as tasks.
package compose

import (
	"regexp"
	"strings"

	"github.com/compose-paas/backend/internal/model"
)

// Command is a compose operation that can be run as a task.
type Command string

const (
	CommandUp      Command = "up"
	CommandStop    Command = "stop"
	CommandDown    Command = "down"
	CommandPull    Command = "pull"
	CommandRestart Command = "restart"
)

var commandArgs = map[Command][]string{
	CommandUp:      {"up", "--detach", "--remove-orphans"},
	CommandStop:    {"stop"},
	CommandDown:    {"down", "--remove-orphans"},
	CommandPull:    {"pull"},
	CommandRestart: {"restart"},
}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := commandArgs[c]; !ok {
		return "", model.ValidationError("unknown command '%s'", s)
	}
	return c, nil
}

// Args returns the docker compose arguments for c.
func (c Command) Args() []string {
	return append([]string(nil), commandArgs[c]...)
}

// Project names must be valid compose project names.
var projectName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateAppName rejects names docker compose would not accept as a project.
func ValidateAppName(name string) error {
	if !projectName.MatchString(name) {
		return model.ValidationError("invalid app name '%s'", name).WithDetail("app_name", name)
	}
	return nil
}
