package journal

// StallWrites holds the write lock so the flush loop cannot make progress
// until release is called.
func (j *Journal) StallWrites() (release func()) {
	j.mu.Lock()
	return j.mu.Unlock
}
