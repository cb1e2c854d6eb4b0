package tracker

// SymbolPatcher redirects the process allocator symbols into the interposer
// entry points. Implementations live in the embedding layer; both methods
// must be idempotent and safe to call while tracing is inactive.
type SymbolPatcher interface {
	// Validate checks that every allocator symbol the patcher would
	// overwrite resolves to a usable hook. Run once per process before any
	// symbol is touched.
	Validate() error
	// Overwrite redirects allocator symbols into TrackAllocation and
	// TrackDeallocation.
	Overwrite()
	// Restore puts the original symbols back.
	Restore()
}

// noopPatcher is used when the embedding provides no patcher, e.g. when the
// embedding calls the interposer entry points directly.
type noopPatcher struct{}

func (noopPatcher) Validate() error { return nil }
func (noopPatcher) Overwrite()      {}
func (noopPatcher) Restore()        {}
