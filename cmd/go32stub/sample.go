package main

import (
	"os"

	"github.com/tinyrange/go32stub/internal/coff"
	"github.com/tinyrange/go32stub/internal/exechain"
)

// sampleText prints its data section through DOS and exits.
var sampleText = []byte{
	0xb4, 0x40,                   // mov ah, 40h
	0xbb, 0x01, 0x00, 0x00, 0x00, // mov ebx, 1
	0xb9, 0x0d, 0x00, 0x00, 0x00, // mov ecx, 13
	0xba, 0x00, 0x10, 0x00, 0x00, // mov edx, 1000h
	0xcd, 0x21,                   // int 21h
	0xb8, 0x00, 0x4c, 0x00, 0x00, // mov eax, 4c00h
	0xcd, 0x21,                   // int 21h
}

func sampleImage() ([]byte, error) {
	mz, err := exechain.MZStub(512)
	if err != nil {
		return nil, err
	}
	b := &coff.Builder{
		Entry: 0,
		Text:  coff.SectionSpec{VirtualAddress: 0, Data: sampleText},
		Data:  coff.SectionSpec{VirtualAddress: 0x1000, Data: []byte("hello, world\n")},
		BSS:   coff.SectionSpec{VirtualAddress: 0x1010, Size: 0x1000},
	}
	return append(mz, b.Bytes()...), nil
}

func writeSample(path string) error {
	data, err := sampleImage()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o755)
}
