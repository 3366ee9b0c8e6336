// Package app holds the service's own EventSub behaviour: the built-in
// handlers that normalise notifications into bridge events, the catalogue of
// subscriptions each tenant gets, and the reconciler that keeps those
// subscriptions in place.
package app
