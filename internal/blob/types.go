// Package blob is the entry point for blob storage. Other packages import it
// rather than the backends under internal/infra/blob.
package blob

import (
	"register/internal/blob/core"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
)

const (
	DriverNone       = core.DriverNone
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
	ErrBadKey   = core.ErrBadKey
)
