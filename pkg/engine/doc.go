// Package engine turns a parsed configuration into applied infrastructure.
//
// The pipeline has four stages. Expand evaluates each declaration's count
// and produces instances. BuildGraph derives instance dependencies from
// expression references and rejects cycles. Applier.Apply walks the graph
// with a bounded worker pool, materializing instances through providers as
// soon as their dependencies are applied, running bootstrap actions over a
// transport, and downgrading the dependents of failed instances to blocked
// instead of aborting the run. CollectOutputs evaluates output expressions
// against the final state.
package engine
