// Package storage keeps off-database copies of store snapshots in an object
// store: a local directory or an S3-compatible bucket.
package storage

import "io"

// Backend abstracts object storage. Implemented by local FS and S3.
type Backend interface {
	Read(path string) (io.ReadCloser, error)
	Write(path string, data []byte) error
	Has(path string) (bool, error)
	Delete(path string) error
	// List returns all paths under the given prefix.
	List(prefix string) ([]string, error)
}
