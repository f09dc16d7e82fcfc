/*
Package domain contains the core domain models of the Orchestra execution core.

It defines the workflow graph (Workflows, Nodes, Ports and Edges), the lifecycle
states of workflows, nodes and pooled resource handles, the artifact model and
the error taxonomy shared by every component. The package is kept pure and free
of I/O, following Hexagonal Architecture principles.

# Key Entities

  - Workflow: a DAG of task Nodes connected by port-tagged Edges.
  - Node: a unit of work with typed input/output Ports and an execution kind.
  - ResourceSpec: identifies a pooled, expensive-to-construct execution resource.
  - Artifact: an immutable, content-addressed task output.
  - Event: a telemetry record of a workflow or node transition.
*/
package domain
