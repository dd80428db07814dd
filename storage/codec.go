// Package storage implements the opaque physical block reader/writer
// collaborator of spec.md §6: a file-backed page store plus the
// sentinel commit file and the index-definitions file.
package storage

import (
	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
)

// Codec serializes and deserializes a single page instance. The
// default codec (below) handles every page kind this core defines
// except the HOT trie's own kinds, which package hottrie supplies via
// a wrapping Codec (composition, not a type switch spanning packages).
type Codec interface {
	Encode(p page.Page) ([]byte, error)
	Decode(kind page.Kind, key page.Key, revision uint64, resourceID, databaseID uuid.UUID, data []byte) (page.Page, error)
}
