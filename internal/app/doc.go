// Package app wires the engine together: it loads the build file, opens
// the configured cache backends, registers tools, and drives the
// scheduler. It is decoupled from any specific entrypoint like a CLI.
package app
