// Package feed is the fetch & diff engine.
//
// A poll fetches a topic (or its delegate), parses entries into
// (id, updated, digest) triples and compares them with the topic's cached
// digests. Changed entries become a Delta whose boundary is the oldest
// changed entry's updated time; older unchanged entries ride along as
// context. A poll with no changes only advances the topic's poll time.
package feed
