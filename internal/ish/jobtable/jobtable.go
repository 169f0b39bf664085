// Package jobtable implements the shell's job table: a slotted array of
// jobs addressed by stable, 1-based identifiers, backed by an intrusive
// free list and an intrusive "all live jobs" list threaded through the
// same slots. Both lists are represented as indices into the backing
// array rather than pointers, so a resize never needs a relocation pass
// over inter-slot links — only over each job's own inline status record.
package jobtable

import (
	"fmt"
	"io"
	"syscall"
)

// minSlots is the minimum size of the backing array; the table never
// shrinks below it.
const minSlots = 4

// ProcStatus is one process's slot in a job's status vector. Reported is
// false until the process has been waited on at least once; it plays the
// role of the sentinel "not yet reported" status.
type ProcStatus struct {
	Pid      int
	Status   syscall.WaitStatus
	Reported bool
}

// Job is one unit of job control: a single process, or several processes
// cooperating in a pipeline and sharing a process group. The first
// element of the status vector is always the group leader — its pid is
// the job's process group id.
type Job struct {
	ps0    [1]ProcStatus // inline storage used when single is true
	ps     []ProcStatus  // len == total passed to Make; aliases ps0 when single
	single bool          // true if this job was created with one process
	nprocs int           // number of status entries filled in so far
	cmd    string

	free bool // true if this slot is on the free list rather than the all list
	next int  // index of the next slot in whichever list holds this one, or -1
}

// Nprocs returns the number of processes currently recorded for the job.
func (j *Job) Nprocs() int { return j.nprocs }

// Cmd returns the job's rendered command string.
func (j *Job) Cmd() string { return j.cmd }

// Pgrp returns the job's process group id, which is always the pid of
// its first (leader) process.
func (j *Job) Pgrp() int { return j.ps[0].Pid }

// Proc returns the status record for the i'th process of the job.
func (j *Job) Proc(i int) *ProcStatus { return &j.ps[i] }

// Procs returns the job's status vector. Callers must not retain it past
// the next resize of the owning table.
func (j *Job) Procs() []ProcStatus { return j.ps }

// Table is the job table: a contiguous backing array of slots of length
// at least minSlots, with every slot belonging to exactly one of the
// "all" (live jobs) or "free" (unused) lists.
type Table struct {
	slots    []Job
	allHead  int // index of head of the all list, -1 if empty
	freeHead int // index of head of the free list, -1 if empty
	nfree    int
}

// New returns an empty table with minSlots free slots.
func New() *Table {
	t := &Table{allHead: -1}
	t.slots = make([]Job, minSlots)
	for i := range t.slots {
		t.slots[i].free = true
		if i == minSlots-1 {
			t.slots[i].next = -1
		} else {
			t.slots[i].next = i + 1
		}
	}
	t.freeHead = 0
	t.nfree = minSlots
	return t
}

// NumSlots returns the current size of the backing array.
func (t *Table) NumSlots() int { return len(t.slots) }

// NumFree returns the current number of free slots.
func (t *Table) NumFree() int { return t.nfree }

// Make detaches a slot from the free list, prepends it to the all list,
// and returns its stable job id (1-based). total is the eventual number
// of processes the job will hold; for total == 1 the job's status vector
// is the job's own inline record, never heap-allocated.
func (t *Table) Make(total int, cmd string) int {
	if t.nfree*2 <= len(t.slots) {
		t.grow()
	}

	idx := t.freeHead
	slot := &t.slots[idx]
	t.freeHead = slot.next
	t.nfree--

	slot.free = false
	slot.next = t.allHead
	t.allHead = idx

	slot.cmd = cmd
	slot.nprocs = 0
	slot.single = total == 1
	if slot.single {
		slot.ps = slot.ps0[:1]
	} else {
		slot.ps = make([]ProcStatus, total)
	}

	return idx + 1
}

// AddProc records pid as the job's next process, in launch order. It is
// called once per forked child, in the same order the job's status
// vector was sized for.
func (t *Table) AddProc(id int, pid int) {
	slot := t.slot(id)
	slot.ps[slot.nprocs] = ProcStatus{Pid: pid}
	slot.nprocs++
}

// Get returns the job occupying id, or ok == false if id does not name a
// live job.
func (t *Table) Get(id int) (*Job, bool) {
	if id < 1 || id > len(t.slots) {
		return nil, false
	}
	slot := &t.slots[id-1]
	if slot.free {
		return nil, false
	}
	return slot, true
}

func (t *Table) slot(id int) *Job {
	return &t.slots[id-1]
}

// Free releases id's slot: unlinks it from the all list, drops its
// status vector and command string, and prepends it to the free list.
// It may trigger a shrink of the backing array.
func (t *Table) Free(id int) {
	idx := id - 1

	if t.allHead == idx {
		t.allHead = t.slots[idx].next
	} else {
		for i := t.allHead; i != -1; i = t.slots[i].next {
			if t.slots[i].next == idx {
				t.slots[i].next = t.slots[idx].next
				break
			}
		}
	}

	slot := &t.slots[idx]
	slot.ps = nil
	slot.cmd = ""
	slot.single = false
	slot.free = true
	slot.next = t.freeHead
	t.freeHead = idx
	t.nfree++

	t.maybeShrink()
}

// ForEach calls fn for every live job, in most-recently-made-first order
// (the order the all list threads them in). fn returning false stops the
// iteration early.
func (t *Table) ForEach(fn func(id int, job *Job) bool) {
	for i := t.allHead; i != -1; {
		next := t.slots[i].next
		if !fn(i+1, &t.slots[i]) {
			return
		}
		i = next
	}
}

// FindPid locates the job and process status record owning pid among
// all live jobs. ok is false if no live job has a process with this pid.
func (t *Table) FindPid(pid int) (id int, ps *ProcStatus, ok bool) {
	for i := t.allHead; i != -1; i = t.slots[i].next {
		slot := &t.slots[i]
		for p := range slot.ps {
			if slot.ps[p].Pid == pid {
				return i + 1, &slot.ps[p], true
			}
		}
	}
	return 0, nil, false
}

// grow doubles the backing array. Inter-slot links need no rewriting
// since they're indices into the array, stable across a copy; only each
// single-process job's status-vector handle, which points into its own
// now-moved slot, needs to be re-pointed at the copy.
func (t *Table) grow() {
	old := len(t.slots)
	oldFreeHead := t.freeHead
	newNum := old * 2

	newSlots := make([]Job, newNum)
	copy(newSlots, t.slots)
	for i := range newSlots[:old] {
		if newSlots[i].single {
			newSlots[i].ps = newSlots[i].ps0[:1]
		}
	}

	for i := old; i < newNum; i++ {
		newSlots[i].free = true
		if i == newNum-1 {
			newSlots[i].next = oldFreeHead
		} else {
			newSlots[i].next = i + 1
		}
	}

	t.nfree += newNum - old
	t.freeHead = old
	t.slots = newSlots
}

// maybeShrink halves the backing array when free slots reach three
// quarters of the total and the total exceeds minSlots — but only if
// every slot in the upper half is currently free. A live job's id is its
// slot index, so halving while a live job still occupies the upper half
// would force a renumbering; the shrink is deferred instead, preserving
// id stability at the cost of a round of reclaiming memory a bit later.
// After a halving the check is repeated, so one Free can halve the array
// several times until the condition no longer holds.
func (t *Table) maybeShrink() {
	num := len(t.slots)
	if num <= minSlots || 4*t.nfree < 3*num {
		return
	}

	newNum := num / 2
	if newNum < minSlots {
		newNum = minSlots
	}
	for i := newNum; i < num; i++ {
		if !t.slots[i].free {
			return
		}
	}

	newFreeHead := -1
	newNfree := 0
	for i := newNum - 1; i >= 0; i-- {
		if t.slots[i].free {
			t.slots[i].next = newFreeHead
			newFreeHead = i
			newNfree++
		}
	}

	t.slots = t.slots[:newNum]
	t.freeHead = newFreeHead
	t.nfree = newNfree

	// A shrink deferred earlier may now be due at the smaller size too.
	t.maybeShrink()
}

// Flag selects which job states Show prints.
type Flag int

const (
	FlagStop Flag = 1 << iota
	FlagKill
	FlagTerm
	FlagDone
	FlagRun
)

// FlagAll selects every state.
const FlagAll = FlagStop | FlagKill | FlagTerm | FlagDone | FlagRun

// State is the outcome of classifying a job's status vector.
type State int

const (
	Running State = iota
	Stopped
	Done
	Terminated
	Killed
	Unknown
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Done:
		return "Done"
	case Terminated:
		return "Terminated"
	case Killed:
		return "Killed"
	default:
		return "Unknown"
	}
}

// Classify inspects a job's status vector and returns its state along
// with whether the job has finished (is no longer runnable). A process
// still unreported or just continued, or any stopped process, is
// reported immediately without inspecting the remaining processes — the
// whole job is "not finished" on the first sign of life. Otherwise every
// process is inspected: the job is Done only if every process exited;
// failing that, a SIGTERM-signaled process makes it Terminated, any
// other signal makes it Killed; a status that fits none of these is an
// internal inconsistency the caller should treat as fatal.
func Classify(j *Job) (State, bool) {
	nexited := 0
	killed := false
	terminated := false

	for i := 0; i < j.nprocs; i++ {
		ps := j.ps[i]
		if !ps.Reported || ps.Status.Continued() {
			return Running, false
		}
		if ps.Status.Stopped() {
			return Stopped, false
		}
		if ps.Status.Exited() {
			nexited++
		} else if ps.Status.Signaled() {
			if ps.Status.Signal() == syscall.SIGTERM {
				terminated = true
			} else {
				killed = true
			}
		}
	}

	if nexited == j.nprocs {
		return Done, true
	}
	if terminated {
		return Terminated, true
	}
	if killed {
		return Killed, true
	}
	return Unknown, true
}

// Show prints one line per live job whose classified state is selected
// by mask, in "[id] State\tcommand" form, and frees every job that has
// finished regardless of whether its state was printed. A job whose
// status vector classifies as Unknown indicates the process table is in
// a state the protocol doesn't account for; Show stops and returns an
// error rather than guessing, leaving that job (and any not yet visited)
// in place for the caller to inspect.
func (t *Table) Show(w io.Writer, mask Flag) error {
	var finished []int
	var badID int
	t.ForEach(func(id int, job *Job) bool {
		state, done := Classify(job)
		if state == Unknown {
			badID = id
			return false
		}
		if stateFlag(state)&mask != 0 {
			fmt.Fprintf(w, "[%d] %s\t%s\n", id, state, job.cmd)
		}
		if done {
			finished = append(finished, id)
		}
		return true
	})
	for _, id := range finished {
		t.Free(id)
	}
	if badID != 0 {
		return fmt.Errorf("job %d: unrecognized process status", badID)
	}
	return nil
}

func stateFlag(s State) Flag {
	switch s {
	case Stopped:
		return FlagStop
	case Killed:
		return FlagKill
	case Terminated:
		return FlagTerm
	case Done:
		return FlagDone
	case Running:
		return FlagRun
	default:
		return 0
	}
}
