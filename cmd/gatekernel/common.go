package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/atlas-gate/gatekernel/pkg/config"
	"github.com/atlas-gate/gatekernel/pkg/gateway"
	"github.com/atlas-gate/gatekernel/pkg/session"
)

// absRoot resolves root to an absolute path; Resolver.Lock requires one.
func absRoot(root string) (string, error) {
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// openGateway wires a Gateway against root using the process environment
// for secrets and accelerator addresses, the same config.Load() path
// every subcommand shares so flags never have to duplicate env parsing.
func openGateway(root string, role session.Role) (*gateway.Gateway, error) {
	abs, err := absRoot(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	cfg := config.Load()
	return gateway.Open(abs, role, cfg)
}

func roleFromFlag(raw string) session.Role {
	switch raw {
	case "PLANNING":
		return session.RolePlanning
	case "READ_ONLY":
		return session.RoleReadOnly
	default:
		return session.RoleExecution
	}
}

func printErr(w io.Writer, err error) {
	fmt.Fprintf(w, "%sError:%s %v\n", ColorRed, ColorReset, err)
}
