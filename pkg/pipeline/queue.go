package pipeline

import "sync"

// taskQueue is a FIFO of line polls that holds at most one pending task per
// line. A line pushed while still waiting is coalesced into the queued task.
// A line is pending from push until the pop that hands it to a worker.
type taskQueue struct {
	mu      sync.Mutex
	ready   *sync.Cond
	pending map[string]bool
	tasks   []string
	closed  bool
}

func newTaskQueue(lines int) *taskQueue {
	q := &taskQueue{
		pending: make(map[string]bool, lines),
		tasks:   make([]string, 0, lines),
	}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// push enqueues line. It returns false when line is already waiting or the
// queue is closed.
func (q *taskQueue) push(line string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.pending[line] {
		return false
	}
	q.pending[line] = true
	q.tasks = append(q.tasks, line)
	q.ready.Signal()
	return true
}

// pop blocks until a task is available. ok is false once the queue is
// closed and empty.
func (q *taskQueue) pop() (line string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.tasks) == 0 {
		return "", false
	}

	line = q.tasks[0]
	q.tasks[0] = ""
	q.tasks = q.tasks[1:]
	delete(q.pending, line)
	return line, true
}

// close stops accepting tasks and wakes idle workers. Queued tasks can
// still be popped.
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.ready.Broadcast()
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
