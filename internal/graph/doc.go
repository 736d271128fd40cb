// Package graph holds static task graphs and the engine that drives one
// process instance of a graph to completion.
//
// A Graph is immutable and may be instantiated any number of times; each
// Engine owns the run-state of a single instance. Tasks become eligible when
// their dependency expression (AND/OR over SUCCEEDS/FAILS/COMPLETES terms)
// evaluates true, are skipped when it can no longer become true or their
// guard is false, and run concurrently with every other eligible task.
package graph
