package memutils

// Validatable is implemented by every allocator. Validate walks the allocator's metadata and
// reports the first inconsistency it finds.
type Validatable interface {
	Validate() error
}
