//go:build !debug_mem_utils

package memutils

// DebugValidate calls Validate on the provided allocator and panics if it fails. Without the
// debug_mem_utils build tag it does nothing, so allocators may call it after every mutation.
func DebugValidate(validatable Validatable) {}

// DebugCheckPow2 panics if value is not a power of two. Without the debug_mem_utils build tag it
// does nothing.
func DebugCheckPow2[T Number](value T, name string) {}
