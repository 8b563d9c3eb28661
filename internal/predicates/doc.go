// Package predicates evaluates declarative request predicates.
//
// A stub's predicates map request field names to predicate nodes. A node is a
// JSON object whose keys are either predicate names (is, contains,
// startsWith, endsWith, matches, exists, not, or, and, inject), modifiers
// (caseSensitive, except, jsonpath, xpath) or nested field names. Nested
// field names recurse into structured request fields such as headers or
// query, and every key of a node must hold for the node to hold.
//
// Raw nodes are compiled into a tagged tree before evaluation. Compilation
// and evaluation never short-circuit: every key is visited so that a single
// pass reports every malformed sub-predicate. Validation relies on this by
// evaluating stubs against a synthetic request through the same code path
// used for live matching.
package predicates
