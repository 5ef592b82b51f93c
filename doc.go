// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package cabbage is a distributed task queue.
//
// Applications using cabbage first create a Manager. A manager has a
// Registry of tasks, a Broker that carries messages between producers
// and workers, and a Backend that stores the results of invocations.
// Applications need to register tasks and their handlers before starting
// the manager. Producers that only submit tasks don't need to start it,
// but they need to know the names of the tasks they submit.
//
// Submitting a task publishes an envelope to a queue of the broker and
// returns a Result. The Result polls the backend until the invocation
// reached a terminal state: SUCCESS or FAILURE.
//
// Every queue of the broker has three parts. There is an input queue which
// contains all messages that need to be worked on, ordered by the time
// they become due. Then there is a work queue that contains all messages
// currently being worked on. Finally, there is a dead queue that contains
// all messages that couldn't be processed, e.g. because they can't be
// decoded or refer to an unknown task. The dead queue will not be touched
// until a human will move messages back into the input queue.
//
// After being started, the manager moves all messages whose lease expired
// back into the input queue. This could happen in the event that a
// previously started manager couldn't complete its work e.g. because it
// has crashed. After that, the manager polls the input queues for new
// messages and passes them to idle workers.
//
// If a handler fails with an error whose kind is listed in the RetryOn
// policy of its task, or if it asks for a retry explicitly with
// Request.Retry, the invocation is published again with a delay, until
// MaxRetries is exhausted. Then the invocation is recorded as FAILURE.
//
// Signatures compose invocations: a Chain passes the result of one task
// as the first argument to the next, a Group runs tasks in parallel,
// and a Chord runs a group and passes the list of results to a callback.
package cabbage
