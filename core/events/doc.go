// Package events defines the domain events emitted on the event bus.
//
// Available event types:
//   - ClusterApproved: cluster membership committed to jobs
//   - JobAssigned / JobUnassigned / JobCompleted: driver queue changes
//   - QueueResequenced: a driver queue was renumbered
//   - BatchCreated / BatchClosed: batch plan lifecycle
//   - PipelineFinished: a scheduled or manual pipeline run ended
//   - RedistributionFinished: a rebalance pass ended
package events
