/*
Package api exposes the engine over HTTP.

All responses share one envelope: success flag, data or error,
timestamp and the request id assigned by middleware. Error kinds map
onto status codes (validation 400, not found 404, conflict 409, rate
limited 429, everything else 500). The health, readiness and
Prometheus endpoints sit outside the /api group.
*/
package api
