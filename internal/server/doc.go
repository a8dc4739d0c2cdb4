// Package server hosts the Fiber HTTP gateway that exposes cached dashboard
// views and optimistic folder mutations to the browser. It owns the request
// middleware chain (request id, structured request log, panic recovery) and
// renders every cached resource in one envelope so the UI can show stale data
// while a revalidation is in flight. Diagnostics live in the routes subpackage.
package server
