// Package record captures function executions: it encodes native Go
// values into their stored form and writes call records, snapshots and
// identity histories through a store.
package record
