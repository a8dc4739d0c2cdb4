// Package api is the JSON client for the remote bookmark service. The cache
// layer treats its methods as opaque fetchers and remote writes; transport
// details (bearer token, timeouts, GET retries with backoff) stay here.
package api
