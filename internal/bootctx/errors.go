// Package bootctx holds the sentinel error taxonomy the boot pipeline
// reports against.
package bootctx

import "errors"

// Sentinel errors matching the taxonomy in the error-handling design: each
// carries a fixed recovery policy that the pipeline driver (cmd/simpleboot-core)
// switches on with errors.Is.
var (
	// ErrNoValidFilesystem: ESP not found or BPB failed validation. Fatal.
	ErrNoValidFilesystem = errors.New("no valid filesystem")
	// ErrFileNotFound: kernel/config/module missing. Fatal for kernel, a
	// warning (fall back to defaults) for config.
	ErrFileNotFound = errors.New("file not found")
	// ErrIoError: a sector read timed out or the device reported failure. Fatal.
	ErrIoError = errors.New("io error")
	// ErrUnsupportedKernel: bad magic or unsupported protocol version. Fatal;
	// disables SMP for the remainder of this boot attempt.
	ErrUnsupportedKernel = errors.New("unsupported kernel")
	// ErrMemoryInUse: a kernel segment overlaps a reserved memory-map region.
	// Fatal for that segment.
	ErrMemoryInUse = errors.New("memory in use")
	// ErrOutOfMemory: a page allocation failed. Fatal.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrUserCancel: a keystroke arrived during a long file read. Recoverable:
	// the caller restarts the pipeline with backup=true.
	ErrUserCancel = errors.New("user cancel")
	// ErrApTimeout: an application processor did not raise its alive flag
	// within the retry budget. Non-fatal; running is decremented and boot
	// continues.
	ErrApTimeout = errors.New("ap timeout")
	// ErrFirmwareFallback: no kernel was found but a legacy VBR exists. The
	// caller chain-loads it instead of parking the machine.
	ErrFirmwareFallback = errors.New("firmware fallback")
)
