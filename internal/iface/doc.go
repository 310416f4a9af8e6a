// Package iface models the typed values that flow between transforms.
//
// A value is a closed tagged variant: a scalar constant, a path reference,
// an environment contribution, or a list/map composite of those. Every
// interface slot on a transform is described by a Field, which fixes the
// direction, defaulting behaviour and optional environment exposure of the
// value bound to it.
//
// Shape validation happens once, when a graph is constructed, so the rest
// of the engine can treat values as well-formed.
package iface
