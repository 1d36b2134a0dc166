package syncs

type Semaphore chan bool

func NewSemaphore(n int) Semaphore {
	return make(chan bool, n)
}

func (s Semaphore) Acquire() {
	s <- true
}

// TryAcquire acquires a slot without blocking, reporting whether one was
// available.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- true:
		return true
	default:
		return false
	}
}

func (s Semaphore) Release() {
	<-s
}
