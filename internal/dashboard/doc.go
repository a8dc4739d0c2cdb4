// Package dashboard binds the read-side views of the bookmark client to cached
// resources. Every view is a cache.Resource keyed by the shared catalog, so a
// folder mutation that invalidates "overview" or "collection:<id>" refreshes the
// matching view here without the mutating code knowing it exists.
package dashboard
