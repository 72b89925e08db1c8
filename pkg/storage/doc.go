/*
Package storage implements durable persistence for tasks, groups, posts
and comments on top of BoltDB.

Entities are stored as JSON under their natural keys: tasks by id,
groups by "taskId/vkId", posts by vkPostId and comments by vkCommentId.
Every upsert batch runs inside a single Update transaction, so a batch
either applies fully or leaves the store unchanged, and re-applying the
same batch is a no-op apart from updatedAt refreshes. Metric updates
are read-modify-write inside one transaction, which makes them atomic
with respect to concurrent status reads.

The job queue (pkg/queue) shares the same database file. CreateTaskTx
exists so the task service can insert a task and enqueue its job in
one committed transaction.

Status transitions follow a fixed table; terminal tasks are immutable
and any attempt to move them again fails with a conflict error.
*/
package storage
