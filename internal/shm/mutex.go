package shm

import "time"

// Infinite makes Lock wait until the mutex is acquired or the context ends.
const Infinite time.Duration = -1

// Lock semantics shared by every platform:
//
//	timeout == 0         one attempt, ErrLockTimeout if held elsewhere
//	timeout  > 0         retry until timeout elapses
//	timeout == Infinite  retry until acquired or ctx is done
//
// Lock reports abandoned == true when the previous owner went away without
// releasing; the caller holds the mutex in that case too.
