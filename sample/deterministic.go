// Package sample decides which clients' hits are reported.
package sample

import (
	"github.com/dgryski/go-wyhash"
)

// hashSeed keeps this bucketing independent of any other hashing of client ids.
const hashSeed = 0x5bd1e9955bd1e995

// buckets is the resolution of the sample rate: rates are honored to two
// decimal places.
const buckets = 10000

// Sampler reports whether a hit for the given client should be kept.
type Sampler interface {
	Keep(clientID string) bool
}

// DeterministicSampler keeps a stable subset of clients. A given client id is
// either always kept or always dropped at a given rate, and raising the rate
// never drops a client that was kept before.
type DeterministicSampler struct {
	// SampleRate is the percentage of clients to keep, from 0 to 100.
	SampleRate float64
}

var _ Sampler = (*DeterministicSampler)(nil)

func NewDeterministicSampler(rate float64) *DeterministicSampler {
	return &DeterministicSampler{SampleRate: rate}
}

// Keep drops everything at a rate of zero or less and keeps everything at
// 100 or more. In between, hits without a client id are always kept.
func (d *DeterministicSampler) Keep(clientID string) bool {
	if d.SampleRate <= 0 {
		return false
	}
	if d.SampleRate >= 100 || clientID == "" {
		return true
	}
	return float64(Bucket(clientID)) < d.SampleRate*100
}

// Bucket returns the client's position in [0, 10000).
func Bucket(clientID string) uint64 {
	return wyhash.Hash([]byte(clientID), hashSeed) % buckets
}
