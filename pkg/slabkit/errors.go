package slabkit

import "errors"

var (
	// ErrConfigFileNotFound indicates an explicit config path that does not exist.
	ErrConfigFileNotFound = errors.New("slabkit: config file not found")

	// ErrConfigFileRead indicates a config file that exists but cannot be read.
	ErrConfigFileRead = errors.New("slabkit: cannot read config file")

	// ErrConfigInvalid indicates a config that fails to parse or validate.
	ErrConfigInvalid = errors.New("slabkit: invalid config")
)
