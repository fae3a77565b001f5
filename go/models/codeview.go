package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	IMAGE_DEBUG_TYPE_CODEVIEW   = 2
	IMAGE_DIRECTORY_ENTRY_DEBUG = 6

	CODEVIEW_RSDS = "RSDS"
)

// DebugDirectory is IMAGE_DEBUG_DIRECTORY.
type DebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

const DEBUG_DIRECTORY_SIZE = 28

type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 []byte `struc:"[8]byte"`
}

// String formats the GUID the way PDB symbol stores key it.
func (g GUID) String() string {
	return fmt.Sprintf("%08X%04X%04X%X", g.Data1, g.Data2, g.Data3, g.Data4)
}

// CodeView is the RSDS record a debug directory entry points at. The NUL
// terminated PDB file name follows it.
type CodeView struct {
	Signature string `struc:"[4]byte"`
	GUID      GUID
	Age       uint32
}

const CODEVIEW_HEADER_SIZE = 24

// ParseCodeView decodes an RSDS record and returns it with the PDB name.
func ParseCodeView(p []byte) (*CodeView, string, error) {
	var cv CodeView
	if len(p) < CODEVIEW_HEADER_SIZE {
		return nil, "", errors.New("short CodeView record")
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(p), &cv, binary.LittleEndian); err != nil {
		return nil, "", errors.Wrap(err, "failed to unpack CodeView record")
	}
	if cv.Signature != CODEVIEW_RSDS {
		return nil, "", errors.Errorf("unsupported CodeView signature %q", cv.Signature)
	}
	name := p[CODEVIEW_HEADER_SIZE:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &cv, string(name), nil
}

func (cv *CodeView) Pack(pdb string) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, cv, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "failed to pack CodeView record")
	}
	buf.WriteString(pdb)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}
