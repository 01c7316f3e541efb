// Package patch applies git-format patches to a tree of files.
//
// An Applier is built for one of two backends. NewVirtual applies patches to
// a tree held in an object store without touching the filesystem and returns
// the id of the new tree. NewMaterialized patches the working tree and index
// of a repository under the index lock. Both share the same hunk matcher,
// which tolerates hunks whose recorded line numbers are off, and the same
// binary reconstructor for literal and delta hunks.
package patch
