/*
Package lease serializes ownership of a workflow run.

A lease is held while a workflow is being scheduled or resumed, so two callers in
the same process (and, with a DistributedLocker, in different processes) never
drive the same workflow at once.
*/
package lease
