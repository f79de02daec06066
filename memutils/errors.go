package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is returned when a region has no remaining span large enough for a request. It
// never indicates corrupted allocator state: the caller may free something, retry with a smaller
// request, or fall back to another allocator.
var OutOfMemoryError error = errors.New("out of memory")

// PoolExhaustedError is returned by pool allocators when every block is currently allocated
var PoolExhaustedError error = errors.New("pool exhausted")

// NotOwnedError is returned when an offset passed to a free method was not produced by the allocator
// it was passed to, or does not land on one of its block boundaries
var NotOwnedError error = errors.New("offset is not owned by this allocator")

// OutOfOrderError is returned by the stack allocator when a free targets anything other than the most
// recent live allocation
var OutOfOrderError error = errors.New("allocation is not the most recent live allocation")

// InvalidRequestError is returned when an allocation request can never be satisfied as specified, such as
// a non-positive size
var InvalidRequestError error = errors.New("invalid allocation request")

// RegionUnavailableError is returned when the backing memory for an allocator could not be obtained at
// construction time. There is no degraded mode: the allocator was not created.
var RegionUnavailableError error = errors.New("backing region could not be obtained")
