/*
Package upstream is the rate-limited adapter to the VK API.

One Client is shared by all workers. Every request passes through a
global token bucket (rps + burst) and an in-flight semaphore before it
reaches the wire, so the process as a whole stays inside the upstream
quota no matter how many tasks run concurrently. Callers block
cooperatively on both.

Errors are classified exactly once, here: rate limits cool off locally
(upstream-indicated wait, or one second doubling up to a cap),
transient errors retry a bounded number of times with jitter, auth and
permanent errors propagate to the caller.

Post and comment listings are lazy pagers: each Next call performs one
paged request and reports the server-side total after the first page.
Comment requests always carry an explicit sort parameter; the unset
form is rejected upstream and never emitted.

Resolved community names are cached in a small LRU so repeated tasks
over the same communities skip the batch resolution round trip.
*/
package upstream
