// Package buildinfo carries version metadata stamped at build time.
package buildinfo

// Version is overridden via -ldflags at release time.
var Version = "0.1.0-dev"
