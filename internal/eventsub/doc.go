// Package eventsub is the EventSub ingestion core.
//
// Session owns the single WebSocket connection and runs as one event loop:
// transport events, commands, keepalive ticks and reconnect timers are all
// consumed by Run so session state is never shared. Notifications are handed
// to the Dispatcher, which resolves the tenant, builds a fresh
// domain.DispatchContext and invokes the handler registered in Registry.
// Handler and validation failures stay inside the Registry.
package eventsub
