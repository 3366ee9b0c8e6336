// Package domain defines the core EventSub types and the consumer-side
// interfaces shared by the ingestion core and its adapters.
//
// No implementation code - just contracts. Keeping them here prevents
// circular imports between eventsub and the adapters.
package domain
