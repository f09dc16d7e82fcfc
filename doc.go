/*
Package orchestra is a single-host execution core for workflow graphs.

A workflow is a DAG of task nodes joined by typed ports. The engine validates
it on submission, schedules ready nodes concurrently under a per-class
arbitration quota, checks pooled resources out of a bounded cache, dispatches
each node either to an in-process handler or to a remote executor over the
framed backbone, and stores every output in a content-addressed, deduplicated
artifact store that a background lifecycle manager tiers and reclaims.

# Usage

The facade builds every component from one configuration value:

	cfg, err := config.Load("orchestra.yaml")
	if err != nil {
		log.Fatal(err)
	}

	o, err := orchestra.New(cfg, orchestra.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	defer o.Close(context.Background())

	wf, err := o.Load(ctx, "etl.yaml")
	if err != nil {
		log.Fatal(err)
	}
	report, err := o.Engine.Run(ctx, wf)

Components can also be assembled by hand from the pkg/ packages; pkg/engine
is the entry point and every collaborator defaults to an in-memory instance.

# Persistence

Checkpoints live in memory, in a directory of JSON files, in Redis or in an
embedded Badger database. Redis additionally backs the distributed lease
that keeps two hosts from driving the same workflow. Artifact tiers can be
placed on Badger, Redis or plain files, and sealed at rest with AES-GCM.
*/
package orchestra
