package windows

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
)

const (
	// ENV_MAX bounds an environment block read without EnvironmentSize.
	ENV_MAX   = 0x10000
	ENV_CHUNK = 0x1000
)

func decodeUTF16(p []byte, order binary.ByteOrder) []uint16 {
	units := make([]uint16, len(p)/2)
	for i := range units {
		units[i] = order.Uint16(p[i*2:])
	}
	return units
}

// UnicodeString reads a _UNICODE_STRING through its own layer.
func UnicodeString(o *objects.Object) (string, error) {
	n, err := o.MustMember("Length").Uint()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf, err := o.MustMember("Buffer").Uint()
	if err != nil {
		return "", err
	}
	if buf == 0 {
		return "", objects.ErrNull
	}
	p, err := o.Layer().Read(buf, n&^1, false)
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(decodeUTF16(p, o.Table().ByteOrder()))), nil
}

// processPEB returns the PEB of p in its own address space, or objects.ErrNull
// for processes without one.
func processPEB(c *plugins.Context, p *Process) (*objects.Object, error) {
	ptr, err := p.Obj.MustMember("Peb").Uint()
	if err != nil {
		return nil, err
	}
	if ptr == 0 {
		return nil, objects.ErrNull
	}
	l, err := p.Layer(c)
	if err != nil {
		return nil, err
	}
	return p.Obj.Ctx.WithLayer(l).Object("_PEB", ptr)
}

// readEnvironment reads a UTF-16 block up to its double NUL.
func readEnvironment(l models.Layer, addr, size uint64, order binary.ByteOrder) ([]uint16, error) {
	if size == 0 || size > ENV_MAX {
		size = ENV_MAX
	}
	var units []uint16
	for off := uint64(0); off < size; off += ENV_CHUNK {
		n := size - off
		if n > ENV_CHUNK {
			n = ENV_CHUNK
		}
		p, err := l.Read(addr+off, n, false)
		if err != nil {
			if len(units) == 0 {
				return nil, err
			}
			break
		}
		for _, u := range decodeUTF16(p, order) {
			if u == 0 && len(units) > 0 && units[len(units)-1] == 0 {
				return units[:len(units)-1], nil
			}
			units = append(units, u)
		}
	}
	return units, nil
}

type EnvVar struct {
	Name, Value string
}

// splitEnvironment splits a NUL separated block. Names may start with '=' as
// in the per-drive "=C:" entries, so the separator is the first '=' after it.
func splitEnvironment(units []uint16) []EnvVar {
	var out []EnvVar
	start := 0
	for i := 0; i <= len(units); i++ {
		if i < len(units) && units[i] != 0 {
			continue
		}
		if i > start {
			entry := string(utf16.Decode(units[start:i]))
			v := EnvVar{Name: entry}
			for j := 1; j < len(entry); j++ {
				if entry[j] == '=' {
					v = EnvVar{Name: entry[:j], Value: entry[j+1:]}
					break
				}
			}
			out = append(out, v)
		}
		start = i + 1
	}
	return out
}

// Environment returns the address and variables of a process environment block.
func Environment(c *plugins.Context, p *Process) (uint64, []EnvVar, error) {
	peb, err := processPEB(c, p)
	if err != nil {
		return 0, nil, err
	}
	params, err := peb.MustMember("ProcessParameters").Deref()
	if err != nil {
		return 0, nil, err
	}
	env, err := params.MustMember("Environment").Uint()
	if err != nil {
		return 0, nil, err
	}
	if env == 0 {
		return 0, nil, objects.ErrNull
	}
	var size uint64
	if params.Has("EnvironmentSize") {
		if size, err = params.MustMember("EnvironmentSize").Uint(); err != nil {
			return env, nil, errors.Wrap(err, "failed to read environment size")
		}
	}
	units, err := readEnvironment(params.Layer(), env, size, params.Table().ByteOrder())
	if err != nil {
		return env, nil, err
	}
	return env, splitEnvironment(units), nil
}
