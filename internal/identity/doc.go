// Package identity turns user supplied channel and video references into
// canonical identifiers and pulls domain names out of free text. Everything
// here is pure: no I/O, deterministic for a given input.
package identity
