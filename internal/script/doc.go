// Package script loads YAML job scripts and property files and builds task
// graphs from them.
//
// A script names its tasks, their dependency clauses ("after"), optional
// guards ("when", an expr-lang boolean expression over the run variables)
// and exactly one action per task. String fields may reference variables as
// ${name}; positional job arguments are bound as arg1..argN.
package script
