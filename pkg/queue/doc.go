/*
Package queue implements the durable job queue backing task execution.

Jobs live in the same BoltDB file as the entity data, so enqueuing a
job and inserting its task commit in one transaction. Delivery is
at-least-once: Reserve hands out a job under a lease and increments its
attempt counter; a worker acks only after committing terminal side
effects, and Recover requeues any job whose lease expired without an
ack.

Ordering is priority first, then FIFO by runAt. Nack delays the job by
the caller-supplied interval or the exponential backoff for its attempt
count (base * 2^(attempts-1), capped); once attempts reach the maximum
the job moves to the dead letter state.

A secondary bucket maps task id to its live job, enforcing the
single-flight rule: enqueuing a task that already has a waiting, active
or delayed job returns the existing job unchanged.
*/
package queue
