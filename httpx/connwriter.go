package httpx

import (
	"bufio"
	"io"
	"sync"
)

type writeJob func(bw *bufio.Writer) error

// connWriter serializes writes to one connection on its own goroutine
// so the engine never blocks on the socket. The buffer is flushed after
// each batch of jobs.
type connWriter struct {
	bw      *bufio.Writer
	onError func(error)

	mu   sync.Mutex
	jobs []writeJob
	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func newConnWriter(w io.Writer, onError func(error)) *connWriter {
	return &connWriter{
		bw:      bufio.NewWriterSize(w, 32<<10),
		onError: onError,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

func (w *connWriter) enqueue(j writeJob) {
	w.mu.Lock()
	w.jobs = append(w.jobs, j)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *connWriter) run() {
	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			batch := w.jobs
			w.jobs = nil
			w.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, j := range batch {
				if err := j(w.bw); err != nil {
					w.onError(err)
					return
				}
			}
			if err := w.bw.Flush(); err != nil {
				w.onError(err)
				return
			}
		}
	}
}

func (w *connWriter) stop() {
	w.once.Do(func() { close(w.quit) })
}
