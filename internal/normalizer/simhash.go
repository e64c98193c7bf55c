package normalizer

import (
	"hash/fnv"
	"math/bits"
)

// Simhash computes a 64-bit signature over character trigrams of the
// normalized name. Similar names differ in few bits, so a Hamming
// distance works as a cheap similarity measure for merge decisions.
func Simhash(s string) uint64 {
	if s == "" {
		return 0
	}
	var weights [64]int
	for _, gram := range trigrams(s) {
		h := fnv.New64a()
		h.Write([]byte(gram))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var sig uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			sig |= 1 << uint(bit)
		}
	}
	return sig
}

func trigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 3 {
		return []string{string(runes)}
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

// Similarity maps the Hamming distance between two signatures onto
// [0,1], where 1 means identical signatures.
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}
