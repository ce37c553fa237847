// Package domain defines the error taxonomy and the simulation types shared by
// the dispatch engine, its configuration loader and the CLI.
//
// This package has ZERO external dependencies outside the Go standard library.
// The dependency direction is always:
//
//	engine, config, simulator → domain (CORRECT)
//	domain → engine (FORBIDDEN)
package domain
