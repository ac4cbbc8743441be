// Package mem provides the flat backing memory of the simulated machine.
// It is the ground truth that the timing hierarchy synchronizes against:
// cache fills copy bytes out of it and DRAM write completions commit bytes
// back into it.
package mem

import (
	"encoding/binary"

	akitamem "github.com/sarchlab/akita/v4/mem/mem"
)

// Memory is a byte-addressable 32-bit physical address space backed by an
// Akita storage object. Storage units are allocated lazily, so a sparse
// trace does not cost 4GB of host memory.
type Memory struct {
	storage *akitamem.Storage
}

// NewMemory creates a memory covering the full 32-bit address space.
func NewMemory() *Memory {
	return &Memory{
		storage: akitamem.NewStorage(4 * akitamem.GB),
	}
}

// ReadWord reads a little-endian 32-bit word. addr must be word-aligned.
func (m *Memory) ReadWord(addr uint32) uint32 {
	data, err := m.storage.Read(uint64(addr), 4)
	if err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(data)
}

// WriteWord writes a little-endian 32-bit word. addr must be word-aligned.
func (m *Memory) WriteWord(addr uint32, value uint32) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	if err := m.storage.Write(uint64(addr), data); err != nil {
		panic(err)
	}
}

// ReadBlock reads size bytes starting at addr.
func (m *Memory) ReadBlock(addr uint32, size int) []byte {
	data, err := m.storage.Read(uint64(addr), uint64(size))
	if err != nil {
		panic(err)
	}
	return data
}

// WriteBlock writes the given bytes starting at addr.
func (m *Memory) WriteBlock(addr uint32, data []byte) {
	if err := m.storage.Write(uint64(addr), data); err != nil {
		panic(err)
	}
}

// Read8 reads a byte out of the containing 32-bit word.
func (m *Memory) Read8(addr uint32) uint8 {
	word := m.ReadWord(addr &^ 3)
	shift := (addr & 3) * 8
	return uint8(word >> shift)
}

// Write8 writes a byte with a read-modify-write on the containing word.
func (m *Memory) Write8(addr uint32, value uint8) {
	wordAddr := addr &^ 3
	shift := (addr & 3) * 8
	word := m.ReadWord(wordAddr)
	word &^= 0xFF << shift
	word |= uint32(value) << shift
	m.WriteWord(wordAddr, word)
}

// Read16 reads a little-endian halfword out of the containing word.
// addr must be halfword-aligned.
func (m *Memory) Read16(addr uint32) uint16 {
	word := m.ReadWord(addr &^ 3)
	shift := (addr & 2) * 8
	return uint16(word >> shift)
}

// Write16 writes a halfword with a read-modify-write on the containing word.
// addr must be halfword-aligned.
func (m *Memory) Write16(addr uint32, value uint16) {
	wordAddr := addr &^ 3
	shift := (addr & 2) * 8
	word := m.ReadWord(wordAddr)
	word &^= 0xFFFF << shift
	word |= uint32(value) << shift
	m.WriteWord(wordAddr, word)
}
