package touchview

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

type PipelineFunc func(input Revision) (docEntries, error)

// Runs f over every input on a number of goroutines in parallel, returning the outputs in input
// order. All inputs are attempted; if any call fails or panics, the errors are returned together
// as a multiError and the outputs are discarded.
func Parallelize(f PipelineFunc, parallelism int, inputs []Revision) ([]docEntries, error) {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	outputs := make([]docEntries, len(inputs))
	var (
		errs     multiError
		errsLock sync.Mutex
	)
	var group errgroup.Group
	group.SetLimit(parallelism)
	for i := range inputs {
		group.Go(func() (err error) {
			defer func() {
				if x := recover(); x != nil {
					err = fmt.Errorf("panic mapping doc %q: %v", inputs[i].DocID, x)
				}
				if err != nil {
					errsLock.Lock()
					errs = append(errs, err)
					errsLock.Unlock()
				}
			}()
			outputs[i], err = f(inputs[i])
			return err
		})
	}
	group.Wait()
	if len(errs) > 0 {
		return nil, errs
	}
	return outputs, nil
}
