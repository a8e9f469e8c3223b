package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool applies worker to every input on up to maxWorkers goroutines.
// Results come back in input order. Inputs not yet started when ctx is done
// complete with ctx.Err().
func RunInPool[In any, Out any](ctx context.Context, worker func(In) (Out, error), inputs []In, maxWorkers int) []CompletedTask[Out] {
	completed := make([]CompletedTask[Out], len(inputs))
	if len(inputs) == 0 {
		return completed
	}

	queue := make(chan int, len(inputs))
	for i := range inputs {
		queue <- i
	}
	close(queue)

	workers := max(1, min(len(inputs), maxWorkers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()

			for i := range queue {
				completed[i].Index = i
				if err := ctx.Err(); err != nil {
					completed[i].Error = err
					continue
				}
				completed[i].Result, completed[i].Error = worker(inputs[i])
			}
		}()
	}
	wg.Wait()

	return completed
}

// FirstError returns the error of the earliest failed task.
func FirstError[T any](tasks []CompletedTask[T]) error {
	for _, task := range tasks {
		if task.Error != nil {
			return task.Error
		}
	}
	return nil
}
