/*
Package types defines the entities shared across the director (mediator,
infrastructure service, compilation service, gateway, processor) and the
executor agent: Task, Stage, Pipeline, Node, Deployment, Experiment,
Compilation, ExecutorRecord, Lock, and Flag.

Pipelines and results cross process boundaries as opaque byte blobs — see
pkg/wire for the single encoding used end to end.
*/
package types
