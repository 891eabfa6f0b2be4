// Package tracediff turns recorded per-line snapshots into execution
// graphs and computes edit-distance correspondences between two such
// graphs, for comparing an original run against a replayed branch.
package tracediff
