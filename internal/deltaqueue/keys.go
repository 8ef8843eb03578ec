package deltaqueue

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable; topics never contain 0x00):
// - dq/t/{topic}\x00m                      last assigned seq
// - dq/t/{topic}\x00c                      dispatch cursor
// - dq/t/{topic}\x00e/{seq_be8}            delta record
// - dq/t/{topic}\x00o/{seq_be8}{subkey}    outstanding delivery marker
// - dq/ready/{topic}                       topic has undispatched deltas

var (
	topicSeg     = []byte("dq/t/")
	readySeg     = []byte("dq/ready/")
	metaSuffix   = []byte("m")
	cursorSuffix = []byte("c")
	entrySeg     = []byte("e/")
	outSeg       = []byte("o/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func topicBase(topic string) []byte {
	k := make([]byte, 0, len(topicSeg)+len(topic)+16)
	k = append(k, topicSeg...)
	k = append(k, topic...)
	return append(k, 0)
}

func keyMeta(topic string) []byte   { return append(topicBase(topic), metaSuffix...) }
func keyCursor(topic string) []byte { return append(topicBase(topic), cursorSuffix...) }

func entryPrefix(topic string) []byte { return append(topicBase(topic), entrySeg...) }

func keyEntry(topic string, seq uint64) []byte { return appendBE8(entryPrefix(topic), seq) }

func outPrefix(topic string, seq uint64) []byte {
	return appendBE8(append(topicBase(topic), outSeg...), seq)
}

func keyOut(topic string, seq uint64, sub string) []byte {
	return append(outPrefix(topic, seq), sub...)
}

func keyReady(topic string) []byte { return append(append([]byte(nil), readySeg...), topic...) }
