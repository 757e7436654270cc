package exechain

import (
	"encoding/binary"
	"fmt"
)

const mzHeaderSize = 0x20

// MZStub returns a minimal DOS program of exactly size bytes whose header
// advances the chain by size. The program body terminates immediately.
func MZStub(size int) ([]byte, error) {
	if size < mzHeaderSize+2 || size > 0xffff*512 {
		return nil, fmt.Errorf("MZ stub size %d out of range", size)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	buf[0] = 'M'
	buf[1] = 'Z'
	le.PutUint16(buf[0x02:], uint16(size%512))       // bytes on last page
	le.PutUint16(buf[0x04:], uint16((size+511)/512)) // pages in file
	le.PutUint16(buf[0x08:], mzHeaderSize>>4)        // header paragraphs
	le.PutUint16(buf[0x0c:], 0xffff)                 // max extra paragraphs
	le.PutUint16(buf[0x10:], 0x0100)                 // initial SP
	le.PutUint16(buf[0x18:], 0x1c)                   // relocation table offset

	buf[mzHeaderSize], buf[mzHeaderSize+1] = 0xcd, 0x20 // int 20h
	return buf, nil
}

// CauseWayStub returns a "3P" header of size bytes that advances the chain
// by size.
func CauseWayStub(size int) ([]byte, error) {
	if size < ProbeSize {
		return nil, fmt.Errorf("3P stub size %d out of range", size)
	}
	buf := make([]byte, size)
	buf[0] = '3'
	buf[1] = 'P'
	binary.LittleEndian.PutUint32(buf[2:], uint32(size))
	return buf, nil
}
