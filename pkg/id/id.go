package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a 16-byte sortable identifier: [8B unix ms][8B sequence], big-endian.
type ID [16]byte

// Zero is the smallest ID.
var Zero ID

// Bytes returns a copy of the raw bytes.
func (i ID) Bytes() []byte { return append([]byte(nil), i[:]...) }

func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Ms returns the millisecond timestamp component.
func (i ID) Ms() int64 { return int64(binary.BigEndian.Uint64(i[:8])) }

// Time returns the timestamp component as a time.Time.
func (i ID) Time() time.Time { return time.UnixMilli(i.Ms()).UTC() }

// Compare orders IDs byte-wise.
func (i ID) Compare(o ID) int {
	for k := 0; k < len(i); k++ {
		switch {
		case i[k] < o[k]:
			return -1
		case i[k] > o[k]:
			return 1
		}
	}
	return 0
}

// IsZero reports whether i is the zero ID.
func (i ID) IsZero() bool { return i == Zero }

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, errors.New("id: wrong length")
	}
	copy(out[:], b)
	return out, nil
}

// NowMs is the clock used by generators; tests replace it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator hands out strictly increasing IDs within a process.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint64
}

func NewGenerator() *Generator { return &Generator{} }

// Next returns the next ID. A regressing clock pins to the last millisecond;
// an exhausted sequence waits for the clock to advance.
func (g *Generator) Next() ID {
	return g.NextAt(NowMs())
}

// NextAt is Next with an explicit timestamp, still never going backwards.
func (g *Generator) NextAt(ms int64) ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		if g.seq == math.MaxUint64 {
			for ms <= g.lastMs {
				time.Sleep(time.Millisecond / 8)
				ms = NowMs()
			}
			g.seq = 0
		} else {
			g.seq++
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms
	var out ID
	binary.BigEndian.PutUint64(out[:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:], g.seq)
	return out
}

// Successor returns the smallest ID after prev whose timestamp is at least
// ms. Single-writer sequences (one topic under its lease) stay ordered even
// when the wall clock steps back between writers.
func Successor(prev ID, ms int64) ID {
	var out ID
	if ms > prev.Ms() {
		binary.BigEndian.PutUint64(out[:8], uint64(ms))
		return out
	}
	seq := binary.BigEndian.Uint64(prev[8:])
	if seq == math.MaxUint64 {
		binary.BigEndian.PutUint64(out[:8], uint64(prev.Ms()+1))
		return out
	}
	copy(out[:8], prev[:8])
	binary.BigEndian.PutUint64(out[8:], seq+1)
	return out
}
