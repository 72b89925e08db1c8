/*
Package service is the application facade between the HTTP API and the
engine internals.

It owns input normalization (the community list arrives as a mix of
numbers, digit strings and objects), request validation, and the
single-flight rule that a live task over the same normalized community
set absorbs duplicate create requests. Creating a task and enqueueing
its job commit in one BoltDB transaction, so a task row never exists
without its job or vice versa.
*/
package service
