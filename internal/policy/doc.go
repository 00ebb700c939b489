// Package policy decides which connection of a subscriber group receives a
// frame.
//
// Built-in strategies are round-robin, least-busy, random (seedable),
// broadcast, keyed (partition hashing with xxhash) and custom, where a CEL
// expression computes the target index:
//
//	p, err := policy.New("custom", policy.Options{Expr: "partition % targets"})
//
// Policies are stateful and owned by a single node; they are not safe for
// concurrent use.
package policy
