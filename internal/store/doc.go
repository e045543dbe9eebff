// Package store keeps the latest metrics snapshot of every upstream source
// and fans updates out to live subscribers.
//
// The main components are:
//
//   - [Store]: interface defining storage and subscription operations
//   - [MemoryStore]: in-memory implementation with non-blocking pub/sub
//   - [Snapshot]: storage representation of a source's latest payload
//
// Subscribers receive updates on buffered channels. A subscriber whose
// buffer is full misses updates instead of blocking collection.
package store
