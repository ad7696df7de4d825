// Package crawler holds the domain types, ports, error classes, and retry
// primitives shared by the shard planner, search executor, index store, and
// author expansion crawler.
package crawler
