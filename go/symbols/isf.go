// Package symbols loads Intermediate Symbol Format (ISF) files: JSON descriptions of
// the base types, structures, enumerations and symbols of an operating system kernel,
// generated from DWARF (Linux, macOS) or PDB (Windows) debug information.
package symbols

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	KIND_BASE     = "base"
	KIND_STRUCT   = "struct"
	KIND_UNION    = "union"
	KIND_CLASS    = "class"
	KIND_POINTER  = "pointer"
	KIND_ARRAY    = "array"
	KIND_ENUM     = "enum"
	KIND_BITFIELD = "bitfield"
	KIND_FUNCTION = "function"
	KIND_VOID     = "void"
)

type ISF struct {
	Metadata  Metadata              `json:"metadata"`
	BaseTypes map[string]*BaseType  `json:"base_types"`
	UserTypes map[string]*UserType  `json:"user_types"`
	Enums     map[string]*EnumType  `json:"enums"`
	Symbols   map[string]*SymbolDef `json:"symbols"`
}

type Metadata struct {
	Format   string `json:"format"`
	Producer struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"producer"`
	Linux   *LinuxInfo   `json:"linux,omitempty"`
	Mac     *LinuxInfo   `json:"mac,omitempty"`
	Windows *WindowsInfo `json:"windows,omitempty"`
}

type SourceInfo struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Banner string `json:"banner,omitempty"`
}

type LinuxInfo struct {
	Symbols []SourceInfo `json:"symbols"`
	Types   []SourceInfo `json:"types,omitempty"`
}

type PDBInfo struct {
	GUID        string `json:"GUID"`
	Age         uint32 `json:"age"`
	Database    string `json:"database"`
	MachineType int    `json:"machine_type"`
}

type WindowsInfo struct {
	PDB *PDBInfo `json:"pdb"`
}

type BaseType struct {
	Size   uint64 `json:"size"`
	Signed bool   `json:"signed"`
	Kind   string `json:"kind"`
	Endian string `json:"endian"`
}

type Field struct {
	Offset    uint64    `json:"offset"`
	Type      *TypeDesc `json:"type"`
	Anonymous bool      `json:"anonymous,omitempty"`
}

type UserType struct {
	Kind   string            `json:"kind"`
	Size   uint64            `json:"size"`
	Fields map[string]*Field `json:"fields"`
}

// TypeDesc references a type from a field, symbol or another descriptor.
type TypeDesc struct {
	Kind        string    `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Subtype     *TypeDesc `json:"subtype,omitempty"`
	Count       uint64    `json:"count,omitempty"`
	BitPosition uint      `json:"bit_position,omitempty"`
	BitLength   uint      `json:"bit_length,omitempty"`
	Type        *TypeDesc `json:"type,omitempty"`
}

func (t *TypeDesc) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KIND_POINTER:
		return "*" + t.Subtype.String()
	case KIND_ARRAY:
		return "[" + itoa(t.Count) + "]" + t.Subtype.String()
	case KIND_BITFIELD:
		return t.Type.String() + ":" + itoa(uint64(t.BitLength))
	case KIND_VOID, KIND_FUNCTION:
		return t.Kind
	}
	return t.Name
}

// IsAggregate reports whether the descriptor names a user type with fields.
func (t *TypeDesc) IsAggregate() bool {
	switch t.Kind {
	case KIND_STRUCT, KIND_UNION, KIND_CLASS:
		return true
	}
	return false
}

type EnumType struct {
	Size      uint64           `json:"size"`
	Base      string           `json:"base"`
	Constants map[string]int64 `json:"constants"`
}

// Name returns the constant for v, or "" if v is not a known value.
func (e *EnumType) Name(v int64) string {
	var names []string
	for k, c := range e.Constants {
		if c == v {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return ""
	}
	// constants may alias, pick a stable one
	best := names[0]
	for _, n := range names[1:] {
		if n < best {
			best = n
		}
	}
	return best
}

type SymbolDef struct {
	Address      uint64    `json:"address"`
	Type         *TypeDesc `json:"type,omitempty"`
	ConstantData string    `json:"constant_data,omitempty"`
}

func (s *SymbolDef) Constant() ([]byte, error) {
	if s.ConstantData == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s.ConstantData)
}

func Parse(data []byte) (*ISF, error) {
	var isf ISF
	if err := json.Unmarshal(data, &isf); err != nil {
		return nil, errors.Wrap(err, "failed to parse ISF")
	}
	if isf.Metadata.Format == "" {
		return nil, errors.New("ISF has no metadata format")
	}
	major := strings.SplitN(isf.Metadata.Format, ".", 2)[0]
	switch major {
	case "4", "5", "6":
	default:
		return nil, errors.Errorf("unsupported ISF format %s", isf.Metadata.Format)
	}
	if isf.BaseTypes == nil {
		isf.BaseTypes = make(map[string]*BaseType)
	}
	if isf.UserTypes == nil {
		isf.UserTypes = make(map[string]*UserType)
	}
	if isf.Enums == nil {
		isf.Enums = make(map[string]*EnumType)
	}
	if isf.Symbols == nil {
		isf.Symbols = make(map[string]*SymbolDef)
	}
	return &isf, nil
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
