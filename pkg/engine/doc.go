/*
Package engine runs workflow graphs to completion.

Each submitted workflow becomes a run with a single driver goroutine that owns its
scheduling state. Ready nodes pass through three gates before they execute:

 1. arbitration: a grant for the node's resource class (pkg/arbitration),
 2. allocation: a checked-out handle from the resource pool (pkg/pool),
 3. dispatch: an in-process handler (pkg/registry) or a remote executor over the
    backbone (pkg/backbone).

Outputs are written to the artifact store and flow to dependents as artifact
references. Runs can be paused into a checkpoint and resumed later, possibly by
another process holding the workflow lease.

# Failure policies

A node marked "fail" (the default) aborts the workflow: in-flight nodes are cancelled
and the workflow ends Failed. A node marked "skip" only takes its dependents down;
independent branches continue and the workflow can still end Completed, with the
failure kept in the report.
*/
package engine
