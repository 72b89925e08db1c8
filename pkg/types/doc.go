/*
Package types defines the shared data model of the gleaner engine.

It contains the Task lifecycle types, collection Metrics, the persisted
Group/Post/Comment entities keyed by their natural VK identifiers, the
durable queue Job, the closed TaskPayload variant, and the classified
Error type used across all components.

The package has no dependencies on other gleaner packages; every other
package imports it.

# Entities

Task:
  - One user-initiated ingestion request
  - Status: pending -> processing -> completed | failed
  - Terminal statuses are immutable

Group / Post / Comment:
  - Persisted under natural keys: (taskId, vkId), vkPostId, vkCommentId
  - Cross-referenced by natural ids only, never pointer graphs

Job:
  - Queue entry, 1:1 with its task while live
  - State: waiting | active | delayed | completed | failed

# Error classification

Errors are classified once at the source into an ErrorKind and carried
through the call chain with WrapError; callers dispatch with KindOf or
IsKind instead of string matching.
*/
package types
