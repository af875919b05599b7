package room

// expiryQueue orders rooms by ExpiresAt, soonest first.
type expiryQueue []*Room

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool { return q[i].ExpiresAt.Before(q[j].ExpiresAt) }

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *expiryQueue) Push(x any) {
	r := x.(*Room)
	r.heapIndex = len(*q)
	*q = append(*q, r)
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIndex = -1
	*q = old[:n-1]
	return r
}

func (q *expiryQueue) peek() *Room {
	if len(*q) == 0 {
		return nil
	}
	return (*q)[0]
}
