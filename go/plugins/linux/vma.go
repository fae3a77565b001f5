package linux

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/objects"
)

const (
	VM_READ   = 0x1
	VM_WRITE  = 0x2
	VM_EXEC   = 0x4
	VM_SHARED = 0x8

	PAGE_SHIFT = 12
	PAGE_SIZE  = 1 << PAGE_SHIFT

	MAX_VMAS       = 1 << 16
	MAX_PATH_DEPTH = 128
	MAX_NAME       = 255

	ANONYMOUS = "Anonymous Mapping"
)

type VMA struct {
	Obj   *objects.Object
	Start uint64
	End   uint64
	Flags uint64
	PgOff uint64
	File  *objects.Object
}

// Protection renders vm_flags the way /proc/<pid>/maps does.
func (v *VMA) Protection() string {
	b := []byte("---p")
	if v.Flags&VM_READ != 0 {
		b[0] = 'r'
	}
	if v.Flags&VM_WRITE != 0 {
		b[1] = 'w'
	}
	if v.Flags&VM_EXEC != 0 {
		b[2] = 'x'
	}
	if v.Flags&VM_SHARED != 0 {
		b[3] = 's'
	}
	return string(b)
}

func readVMA(o *objects.Object) (*VMA, error) {
	v := &VMA{Obj: o}
	fields := []struct {
		name string
		dst  *uint64
	}{
		{"vm_start", &v.Start},
		{"vm_end", &v.End},
		{"vm_flags", &v.Flags},
		{"vm_pgoff", &v.PgOff},
	}
	for _, f := range fields {
		val, err := o.MustMember(f.name).Uint()
		if err != nil {
			return nil, err
		}
		*f.dst = val
	}
	if file, err := o.MustMember("vm_file").Deref(); err == nil {
		v.File = file
	} else if !errors.Is(err, objects.ErrNull) {
		return nil, err
	}
	return v, nil
}

// VMAs follows mm->mmap through vm_next.
func (t *Task) VMAs() ([]*VMA, error) {
	mm, err := t.MM()
	if err != nil {
		return nil, err
	}
	var out []*VMA
	seen := make(map[uint64]bool)
	cur, err := mm.MustMember("mmap").Deref()
	for err == nil {
		if seen[cur.Addr] || len(out) >= MAX_VMAS {
			return out, objects.ErrListCycle
		}
		seen[cur.Addr] = true
		v, verr := readVMA(cur)
		if verr != nil {
			return out, verr
		}
		out = append(out, v)
		cur, err = cur.MustMember("vm_next").Deref()
	}
	if errors.Is(err, objects.ErrNull) {
		return out, nil
	}
	return out, err
}

// DentryName reads a dentry's d_name.
func DentryName(d *objects.Object) (string, error) {
	name := d.MustMember("d_name")
	n := MAX_NAME
	if name.Has("len") {
		if l, err := name.MustMember("len").Uint(); err == nil && l > 0 && l < MAX_NAME {
			n = int(l)
		}
	}
	return name.MustMember("name").CString(n)
}

// d_dname handlers of pseudo filesystems, by the prefix they print
var DNAME_PREFIX = map[string]string{
	"sockfs_dname": "socket",
	"pipefs_dname": "pipe",
}

// dname renders a sockfs or pipefs dentry as "<prefix>:[<ino>]". Those
// dentries have an empty d_name and are named by d_op->d_dname.
func dname(d *objects.Object) (string, bool) {
	if !d.Has("d_op") {
		return "", false
	}
	ops, err := d.MustMember("d_op").Deref()
	if err != nil || !ops.Has("d_dname") {
		return "", false
	}
	fn, err := ops.MustMember("d_dname").Uint()
	if err != nil || fn == 0 {
		return "", false
	}
	prefix := ""
	for _, s := range d.Table().SymbolsAt(fn) {
		if p, ok := DNAME_PREFIX[s.Name]; ok {
			prefix = p
		}
	}
	if prefix == "" {
		return "", false
	}
	inode, err := d.MustMember("d_inode").Deref()
	if err != nil {
		return "", false
	}
	ino, err := inode.MustMember("i_ino").Uint()
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s:[%d]", prefix, ino), true
}

// DentryPath builds a path by walking d_parent to the root. Dentries that are
// their own parent and not "/" (sockets, pipes, anon inodes) render as their
// own name.
func DentryPath(d *objects.Object) (string, error) {
	if s, ok := dname(d); ok {
		return s, nil
	}
	var parts []string
	for depth := 0; depth < MAX_PATH_DEPTH; depth++ {
		name, err := DentryName(d)
		if err != nil {
			return "", err
		}
		parent, err := d.MustMember("d_parent").Deref()
		if err != nil && !errors.Is(err, objects.ErrNull) {
			return "", err
		}
		if parent == nil || parent.Addr == d.Addr {
			if name != "/" {
				if len(parts) == 0 {
					return name, nil
				}
				parts = append(parts, name)
			}
			break
		}
		parts = append(parts, name)
		d = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}

// FilePath returns the path of a struct file.
func FilePath(f *objects.Object) (string, error) {
	d, err := f.MustMember("f_path.dentry").Deref()
	if err != nil {
		return "", err
	}
	return DentryPath(d)
}

// FileInode returns the inode number and device of a struct file.
func FileInode(f *objects.Object) (ino uint64, major, minor uint64, err error) {
	inode, err := f.MustMember("f_inode").Deref()
	if err != nil {
		return 0, 0, 0, err
	}
	if ino, err = inode.MustMember("i_ino").Uint(); err != nil {
		return 0, 0, 0, err
	}
	sb, err := inode.MustMember("i_sb").Deref()
	if err != nil {
		return ino, 0, 0, err
	}
	dev, err := sb.MustMember("s_dev").Uint()
	if err != nil {
		return ino, 0, 0, err
	}
	return ino, dev >> 20, dev & 0xfffff, nil
}
