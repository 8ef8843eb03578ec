// Package topics is the durable record of known topics: their digest cache,
// poll state and the optional delegate URL. Topic and delegate URLs share
// one address space and a URL may only ever occupy one role.
package topics
