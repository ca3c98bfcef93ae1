package signal

import "time"

// Version is a monotonic counter within one producer, paired with the wall
// clock time it was assigned.
type Version struct {
	Number    uint64
	Timestamp time.Time
}

// IsZero reports whether the version has never been assigned.
func (v Version) IsZero() bool {
	return v.Number == 0 && v.Timestamp.IsZero()
}

// After reports whether v supersedes other within the same producer.
func (v Version) After(other Version) bool {
	return v.Number > other.Number
}

// NewVersion returns a version with the given number stamped now.
func NewVersion(number uint64) Version {
	return Version{Number: number, Timestamp: time.Now().UTC()}
}
