package app

import (
	"strings"

	"blueprint-backend/internal/config"
	apperrors "blueprint-backend/internal/errors"
)

// Role selects which subsystems a process runs. It is read once at startup.
type Role int

const (
	// RolePrimary serves HTTP and supervises worker processes.
	RolePrimary Role = iota
	// RoleWorker only consumes jobs.
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// ParseRole parses "primary" or "worker". An empty string is primary.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary", "api":
		return RolePrimary, nil
	case "worker":
		return RoleWorker, nil
	default:
		return 0, apperrors.Validation(apperrors.CodeInvalidInput, "unknown process role").
			WithResource(s).
			Build()
	}
}

// Subsystems lists what a process starts.
type Subsystems struct {
	HTTP        bool
	Consumers   bool
	Supervisor  bool
	Maintenance bool
}

// SubsystemsFor decides the subsystems for role. A primary that does not
// spawn workers consumes jobs itself so queued work always has a consumer.
func SubsystemsFor(role Role, cfg *config.Config) Subsystems {
	switch role {
	case RoleWorker:
		return Subsystems{Consumers: true}
	default:
		spawn := cfg.Workers.AutoSpawn
		return Subsystems{
			HTTP:        true,
			Consumers:   !spawn,
			Supervisor:  spawn,
			Maintenance: true,
		}
	}
}
