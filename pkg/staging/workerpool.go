package staging

import (
	"fmt"
	"os"
	"sync"
)

type writeJob struct {
	path   string
	offset int64
	data   []byte
	result chan error
}

// workerPool runs a fixed number of goroutines pulling write jobs off
// a shared queue, bounding how many disk writes run concurrently.
type workerPool struct {
	jobs chan writeJob
	wg   sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	p := &workerPool{jobs: make(chan writeJob, workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.result <- writeAt(job.path, job.offset, job.data)
		close(job.result)
	}
}

func (p *workerPool) submit(path string, offset int64, data []byte) <-chan error {
	result := make(chan error, 1)
	p.jobs <- writeJob{path: path, offset: offset, data: data, result: result}
	return result
}

func (p *workerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}

func writeAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for write: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("writing %d bytes at offset %d in %s: %w", len(data), offset, path, err)
	}
	return nil
}
