package testpattern

import (
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// runParallel runs every function to completion and combines their errors.
func runParallel(fs ...func() error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fs))
	wg.Add(len(fs))
	for i, f := range fs {
		i, f := i, f
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			errs[i] = f()
		})
	}
	wg.Wait()
	return multierr.Combine(errs...)
}
