// Package replay re-executes recorded call sequences: it reconstructs
// arguments and global state from the store, drives an external Loader,
// satisfies mocked functions from recorded returns, and optionally
// records the new execution as a branch of the original lineage.
package replay
