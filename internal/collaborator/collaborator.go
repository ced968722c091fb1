// Package collaborator provides the message-boundary implementations
// for the File, DNS, and environment-variable collaborators. Per
// spec.md §1 these subsystems are explicitly out of scope: real file
// mirroring, getaddrinfo resolution, and remote env var reads belong
// to a different layer of the system entirely. What lives here is
// just enough to satisfy dispatcher.Subsystems's interfaces so a
// layer that sends one of these requests gets a clean, logged
// rejection instead of the Dispatcher panicking on a nil collaborator.
package collaborator

import (
	"errors"
	"log/slog"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// ErrNotImplemented is returned by every collaborator in this package.
var ErrNotImplemented = errors.New("collaborator: not implemented by this agent build")

// File answers FileRequest messages. It never actually opens a file;
// see package doc.
type File struct {
	log *slog.Logger
}

// NewFile constructs a File collaborator, defaulting the logger to
// slog.Default() scoped to this component the way every other
// subsystem in this module does.
func NewFile(log *slog.Logger) *File {
	if log == nil {
		log = slog.Default().With("component", "collaborator.file")
	}
	return &File{log: log}
}

// Handle logs the request and reports it as unimplemented.
func (f *File) Handle(req protocol.FileRequest) error {
	f.log.Warn("file request received but file mirroring is out of scope", "path", req.Path)
	return ErrNotImplemented
}

// Dns answers GetAddrInfoRequest messages.
type Dns struct {
	log *slog.Logger
}

// NewDns constructs a Dns collaborator.
func NewDns(log *slog.Logger) *Dns {
	if log == nil {
		log = slog.Default().With("component", "collaborator.dns")
	}
	return &Dns{log: log}
}

// Handle logs the request and reports it as unimplemented.
func (d *Dns) Handle(req protocol.GetAddrInfoRequest) error {
	d.log.Warn("addrinfo request received but DNS resolution is out of scope", "node", req.Node)
	return ErrNotImplemented
}

// Env answers GetEnvVarsRequest messages.
type Env struct {
	log *slog.Logger
}

// NewEnv constructs an Env collaborator.
func NewEnv(log *slog.Logger) *Env {
	if log == nil {
		log = slog.Default().With("component", "collaborator.env")
	}
	return &Env{log: log}
}

// Handle logs the request and reports it as unimplemented.
func (e *Env) Handle(req protocol.GetEnvVarsRequest) error {
	e.log.Warn("env var request received but remote env reads are out of scope", "names", req.Names)
	return ErrNotImplemented
}
