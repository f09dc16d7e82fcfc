/*
Package ports defines the driven ports (interfaces) of the Orchestra execution core.

These interfaces decouple the scheduling and storage logic from external
implementations, so the engine works against memory, file, Redis or Badger
backends and against any source of workflow definitions.

# Key Interfaces

  - CheckpointStore: persists scheduling snapshots for pause/resume.
  - BlobStore: holds artifact payloads for one storage tier.
  - ResourceLoader: constructs and tears down pooled execution resources.
  - WorkflowLoader: loads workflow definitions (YAML files, Loam directories).
  - DistributedLocker: coordinates workflow leases across processes.
*/
package ports
