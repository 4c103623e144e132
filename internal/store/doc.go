// Package store implements the Container Store: durable CRUD plus
// nearest-neighbor semantic search over knowledge containers.
//
// Records live in badger, one atomic transaction per container write.
// Embedding vectors go through the Index interface with an embedded
// chromem-go implementation by default and an external Qdrant
// implementation selectable via config. Below a configurable corpus size
// the store degrades to an exact cosine scan, since ANN indexes behave
// poorly on tiny collections.
//
// The store has a Local partition (private, fully owned) and a Global
// partition (shared, merge-only). Global writes are append/merge-only and
// conflicts are surfaced, never silently overwritten.
package store
