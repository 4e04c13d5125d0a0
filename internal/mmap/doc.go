// Package mmap provides read-only memory-mapped file access.
//
// The local blob store serves snapshot reads straight from the page cache
// through a Mapping instead of copying whole snapshot files into the heap.
//
//	m, err := mmap.Open("population.snap")
//	if err != nil { ... }
//	defer m.Close()
//
//	_ = m.Advise(mmap.AccessSequential)
//	data := m.Bytes()
//
// Unix builds use mmap(2) through golang.org/x/sys/unix, Windows builds use
// file mapping objects through golang.org/x/sys/windows. Advise is a no-op on
// Windows.
package mmap
