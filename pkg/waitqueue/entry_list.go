// Copyright 2026 The Vesper Authors.
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

package waitqueue

// entryList is an intrusive list of Entries. Entries can be added to or
// removed from the list in O(1) time and with no additional memory
// allocations.
//
// The zero value for entryList is an empty list ready to use.
type entryList struct {
	head *Entry
	tail *Entry
}

// Empty returns true iff the list is empty.
func (l *entryList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *entryList) Front() *Entry {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *entryList) Back() *Entry {
	return l.tail
}

// PushBack inserts the element e at the back of list l.
func (l *entryList) PushBack(e *Entry) {
	e.next = nil
	e.prev = l.tail
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l.
func (l *entryList) Remove(e *Entry) {
	prev := e.prev
	next := e.next

	if prev != nil {
		prev.next = next
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		next.prev = prev
	} else if l.tail == e {
		l.tail = prev
	}

	e.next = nil
	e.prev = nil
}
