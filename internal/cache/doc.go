// Package cache provides the tiered result cache consulted before any
// capability is invoked.
//
// Lookup order is the in-process LRU tier first, then the optional shared
// badger tier. The shared tier sits behind its own circuit breaker: a shared
// tier outage degrades to a cache miss and never surfaces as a request
// failure. A hit in a slower tier repopulates the faster tiers. Every entry
// is reconstructible from the durable store, so the cache may drop anything
// at any time.
package cache
