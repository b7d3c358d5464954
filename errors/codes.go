// Package errors provides the structured error system for the build
// engine. It extends Go's standard error handling with string error
// codes and build-scoped context (stage name, instruction index) so
// that every failure surfaced to a caller is reproducible.
package errors

// ErrorCode represents a specific failure condition in the build engine.
// Error codes are string-based for debuggability and natural JSON
// serialization.
type ErrorCode string

const (
	// Parse errors.

	// CodeParseFailed indicates the Dockerfile is malformed. The build
	// never starts.
	CodeParseFailed ErrorCode = "PARSE_FAILED"

	// Stage-local errors.

	// CodeSourceNotFound indicates a COPY or ADD source path does not
	// exist in the build context or referenced stage.
	CodeSourceNotFound ErrorCode = "SOURCE_NOT_FOUND"

	// CodeExecutionFailed indicates a RUN command exited non-zero.
	CodeExecutionFailed ErrorCode = "EXECUTION_FAILED"

	// Cache errors.

	// CodeCacheInconsistent indicates a cached layer's stored digest did
	// not match its recomputed content. The entry is evicted and the
	// instruction re-executed; the code is surfaced only when eviction
	// itself fails.
	CodeCacheInconsistent ErrorCode = "CACHE_INCONSISTENT"

	// Assembly errors.

	// CodeAssemblyFailed indicates there was no content to package into
	// an image manifest.
	CodeAssemblyFailed ErrorCode = "ASSEMBLY_FAILED"

	// Lifecycle errors.

	// CodeCancelled indicates the build was cancelled or a per-step
	// timeout fired before the step completed.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeInternal indicates an internal engine error occurred.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeUnknown indicates an unknown or unclassified error occurred.
	CodeUnknown ErrorCode = "UNKNOWN"
)
