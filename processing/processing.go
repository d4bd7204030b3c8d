// Package processing takes care of the logistics around fanning jobs out to
// workers and draining their results. Not the work itself.
package processing

import "sync"

// Run feeds the jobs emitted by produce to `workers` concurrent work
// goroutines and hands every result to collect on the calling goroutine, in
// completion order. It returns when the jobs are exhausted and every result
// is collected.
func Run[J, R any](workers int, produce func(chan<- J), work func(J) R, collect func(R)) {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan J)
	results := make(chan R)

	go func() {
		defer close(jobs)
		produce(jobs)
	}()

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- work(job)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		collect(result)
	}
}
