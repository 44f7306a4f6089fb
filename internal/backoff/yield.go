package backoff

import "runtime"

func yieldScheduler() {
	runtime.Gosched()
}
