package strategies

// ChunkedAssign splits n tasks into workerCount contiguous runs, sized as
// evenly as possible (the first n%workerCount workers get one extra task),
// and returns the worker index each task is affinitized to. Adapted from
// the teacher's ChunkedStrategy, which handed each worker a contiguous
// slice of the job list instead of round-robining one at a time.
func ChunkedAssign(n, workerCount int) []uint32 {
	out := make([]uint32, n)
	if workerCount < 1 {
		workerCount = 1
	}
	chunk := n / workerCount
	remainder := n % workerCount

	start := 0
	for w := 0; w < workerCount && start < n; w++ {
		end := start + chunk
		if w < remainder {
			end++
		}
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			out[i] = uint32(w)
		}
		start = end
	}
	return out
}
