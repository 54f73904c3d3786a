// Copyright 2022 The cbmm Authors. All Rights Reserved.
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

package cbmm

import (
	rbt "github.com/emirpasic/gods/trees/redblacktree"
)

// OrderedMap is an ordered map with uint64 keys on a red-black tree.
// It keeps keys sorted and gives O(log n) point and nearest-key
// lookups.
type OrderedMap[V any] struct {
	rbt.Tree
}

func compareUint64(a, b interface{}) int {
	if a.(uint64) < b.(uint64) {
		return -1
	} else if a.(uint64) > b.(uint64) {
		return 1
	}
	return 0
}

// NewOrderedMap creates and returns a new instance of OrderedMap with the specified value type.
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{
		Tree: rbt.Tree{
			Comparator: compareUint64,
		},
	}
}

// Get returns the value stored under exactly the given key.
func (m *OrderedMap[V]) Get(key uint64) (value V, ok bool) {
	v, ok := m.Tree.Get(key)
	if ok {
		value = v.(V)
	}
	return value, ok
}

// Set stores (or replaces) a value for a key.
func (m *OrderedMap[V]) Set(key uint64, value V) {
	m.Put(key, value)
}

// Delete removes the key-value pair.
func (m *OrderedMap[V]) Delete(key uint64) {
	m.Remove(key)
}

// Len returns the number of elements in the OrderedMap.
func (m *OrderedMap[V]) Len() int {
	return m.Size()
}

// FloorValue returns the value with the greatest key <= key.
func (m *OrderedMap[V]) FloorValue(key uint64) (value V, ok bool) {
	node, found := m.Floor(key)
	if !found {
		return value, false
	}
	return node.Value.(V), true
}

// CeilingValue returns the value with the least key >= key.
func (m *OrderedMap[V]) CeilingValue(key uint64) (value V, ok bool) {
	node, found := m.Ceiling(key)
	if !found {
		return value, false
	}
	return node.Value.(V), true
}

// MinValue returns the value with the least key.
func (m *OrderedMap[V]) MinValue() (value V, ok bool) {
	node := m.Left()
	if node == nil {
		return value, false
	}
	return node.Value.(V), true
}

// Foreach iterates over the values in ascending key order and applies
// the given function to each. The iteration stops if the function
// returns a non-zero value.
func (m *OrderedMap[V]) Foreach(f func(V) int) {
	walker := m.Iterator()
	for walker.Next() {
		if f(walker.Node().Value.(V)) != 0 {
			break
		}
	}
}

// ForeachFrom iterates in ascending key order starting from the least
// key >= start. The iteration stops if the function returns a
// non-zero value.
func (m *OrderedMap[V]) ForeachFrom(start uint64, f func(V) int) {
	node, found := m.Ceiling(start)
	if !found {
		return
	}
	walker := m.IteratorAt(node)
	for {
		if f(walker.Node().Value.(V)) != 0 {
			break
		}
		if !walker.Next() {
			break
		}
	}
}
