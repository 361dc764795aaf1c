// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"container/list"
	"time"

	"remus/internal/protocol"
)

// QueuedJob is a submission waiting for a worker.
type QueuedJob struct {
	Id        protocol.JobId
	Req       protocol.JobRequirements
	Sub       protocol.JobSubmission
	Arrival   time.Time
}

// jobQueue is a FIFO of QueuedJob with two secondary indices: by JobId (fast
// cancel/lookup) and bucketed by JobRequirements key (dispatch). It is only
// ever touched from the router core's single goroutine, so it carries no
// locking of its own.
type jobQueue struct {
	order  *list.List                          // *list.Element holds *QueuedJob, oldest first
	byId   map[protocol.JobId]*list.Element
	byReq  map[string]*list.List               // requirement key -> list of *list.Element in FIFO order
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		order: list.New(),
		byId:  make(map[protocol.JobId]*list.Element),
		byReq: make(map[string]*list.List),
	}
}

// addJob appends a job to the queue and updates both indices.
func (q *jobQueue) addJob(j QueuedJob) {
	elem := q.order.PushBack(&j)
	q.byId[j.Id] = elem

	key := j.Req.Key()
	bucket, ok := q.byReq[key]
	if !ok {
		bucket = list.New()
		q.byReq[key] = bucket
	}
	bucket.PushBack(elem)
}

// haveId reports whether id is currently queued.
func (q *jobQueue) haveId(id protocol.JobId) bool {
	_, ok := q.byId[id]
	return ok
}

// takeJob pops the oldest job whose requirements match req, or false if none.
func (q *jobQueue) takeJob(req protocol.JobRequirements) (QueuedJob, bool) {
	key := req.Key()
	bucket, ok := q.byReq[key]
	if !ok || bucket.Len() == 0 {
		return QueuedJob{}, false
	}

	front := bucket.Front()
	elem := front.Value.(*list.Element)
	job := *elem.Value.(*QueuedJob)

	bucket.Remove(front)
	if bucket.Len() == 0 {
		delete(q.byReq, key)
	}
	q.order.Remove(elem)
	delete(q.byId, job.Id)

	return job, true
}

// waitingRequirements returns the distinct requirement classes currently queued.
func (q *jobQueue) waitingRequirements() []protocol.JobRequirements {
	seen := make(map[string]bool, len(q.byReq))
	result := make([]protocol.JobRequirements, 0, len(q.byReq))
	for e := q.order.Front(); e != nil; e = e.Next() {
		job := e.Value.(*QueuedJob)
		key := job.Req.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, job.Req)
	}
	return result
}

// removeById removes a queued job by id, used for client-initiated termination.
// It reports whether a job was actually removed.
func (q *jobQueue) removeById(id protocol.JobId) bool {
	elem, ok := q.byId[id]
	if !ok {
		return false
	}
	job := elem.Value.(*QueuedJob)
	key := job.Req.Key()

	if bucket, ok := q.byReq[key]; ok {
		for e := bucket.Front(); e != nil; e = e.Next() {
			if e.Value.(*list.Element) == elem {
				bucket.Remove(e)
				break
			}
		}
		if bucket.Len() == 0 {
			delete(q.byReq, key)
		}
	}

	q.order.Remove(elem)
	delete(q.byId, id)
	return true
}

// len reports the number of queued jobs.
func (q *jobQueue) len() int {
	return q.order.Len()
}

// haveWaiting reports whether any job matching req is still queued.
func (q *jobQueue) haveWaiting(req protocol.JobRequirements) bool {
	bucket, ok := q.byReq[req.Key()]
	return ok && bucket.Len() > 0
}
