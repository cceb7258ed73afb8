package taskmanager

// priorityQueue orders pending tasks by descending Priority, ties broken by
// ascending enqueue sequence so same-priority tasks run in submission
// order. It implements container/heap.Interface.
type priorityQueue []*taskEntry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].opts.Priority != pq[j].opts.Priority {
		return pq[i].opts.Priority > pq[j].opts.Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIdx = i
	pq[j].heapIdx = j
}

func (pq *priorityQueue) Push(x any) {
	e := x.(*taskEntry)
	e.heapIdx = len(*pq)
	*pq = append(*pq, e)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*pq = old[:n-1]
	return e
}
