/*
Package worker executes collection tasks reserved from the durable
queue.

The pool runs N identical workers. Each loop reserves the next
eligible job, marks its task processing, and walks the three phases of
a collect run: community resolution, wall posts, comments. Progress
counters and cancellation are observed at sub-unit boundaries (a group,
a page, a post), never mid-request, so a crash or cancel loses at most
one sub-unit of work and a replay converges through the idempotent
upserts.

A heartbeat extends the job lease while the task runs. The janitor
periodically requeues jobs whose lease expired, which is how work
stranded by a crashed process comes back.

Failure policy: auth, validation and permanent upstream errors fail
the task immediately; transient and rate limit errors nack the job for
a delayed retry with exponential backoff until attempts run out, at
which point the job dead letters and the task fails.
*/
package worker
