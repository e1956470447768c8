package iovm1

// ReadResult is a completed READ.
type ReadResult struct {
	PC   uint32
	TDU  uint8
	Addr uint32
	Data []byte
}

func (r ReadResult) Target() Target { return Target(r.TDU & TargetMask) }

// readQueue is a fixed capacity FIFO ring that evicts its oldest entry when a
// push would exceed ReadQueueCap.
type readQueue struct {
	items   []ReadResult
	head    int
	n       int
	dropped uint64
}

func (q *readQueue) clear() {
	for i := range q.items {
		q.items[i] = ReadResult{}
	}
	q.head = 0
	q.n = 0
}

func (q *readQueue) push(r ReadResult) {
	if q.items == nil {
		q.items = make([]ReadResult, ReadQueueCap)
	}
	if q.n == len(q.items) {
		q.items[q.head] = ReadResult{}
		q.head = (q.head + 1) % len(q.items)
		q.n--
		q.dropped++
	}
	q.items[(q.head+q.n)%len(q.items)] = r
	q.n++
}

func (q *readQueue) peek() (ReadResult, bool) {
	if q.n == 0 {
		return ReadResult{}, false
	}
	return q.items[q.head], true
}

func (q *readQueue) pop() ReadResult {
	r := q.items[q.head]
	q.items[q.head] = ReadResult{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return r
}
