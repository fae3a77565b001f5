package objects

import (
	"github.com/pkg/errors"
)

// MAX_LIST_ENTRIES bounds list walks so corrupt lists cannot spin forever.
const MAX_LIST_ENTRIES = 1 << 16

var ErrListCycle = errors.New("list loops before reaching its head")

type ListOptions struct {
	// Backward follows prev/Blink instead of next/Flink.
	Backward bool
	// Sentinel includes the container holding the head itself, as with
	// init_task.tasks where the head is embedded in a real element.
	Sentinel bool
	Max      int
}

func linkNames(head *Object) (string, string, error) {
	switch {
	case head.Has("next") && head.Has("prev"):
		return "next", "prev", nil
	case head.Has("Flink") && head.Has("Blink"):
		return "Flink", "Blink", nil
	}
	return "", "", errors.Errorf("%s is not a list head", head.Type)
}

// ListWalk follows a circular doubly linked list (list_head or _LIST_ENTRY)
// starting at head and returns the typ containers embedding each node through
// member. The walk ends on returning to head. A node pointing back to one
// already visited ends the walk with ErrListCycle; an unreadable link ends it
// with the read error. Entries gathered before an error are returned with it.
func ListWalk(head *Object, typ, member string, opts ListOptions) ([]*Object, error) {
	next, prev, err := linkNames(head)
	if err != nil {
		return nil, err
	}
	link := next
	if opts.Backward {
		link = prev
	}
	max := opts.Max
	if max <= 0 {
		max = MAX_LIST_ENTRIES
	}
	ctx := head.Ctx
	var out []*Object
	if opts.Sentinel {
		c, err := ctx.ContainerOf(typ, member, head.Addr)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	seen := map[uint64]bool{head.Addr: true}
	node := head
	for len(out) < max {
		ptr, err := node.Member(link)
		if err != nil {
			return out, err
		}
		addr, err := ptr.Uint()
		if err != nil {
			return out, errors.Wrapf(err, "broken list link at %#x", ptr.Addr)
		}
		if addr == head.Addr {
			return out, nil
		}
		if addr == 0 {
			return out, errors.Wrapf(ErrNull, "list link at %#x", ptr.Addr)
		}
		if seen[addr] {
			return out, ErrListCycle
		}
		seen[addr] = true
		c, err := ctx.ContainerOf(typ, member, addr)
		if err != nil {
			return out, err
		}
		out = append(out, c)
		node = &Object{Ctx: ctx, Type: head.Type, Addr: addr}
	}
	return out, errors.Errorf("list at %#x exceeds %d entries", head.Addr, max)
}

// ListMember is ListWalk over the list head embedded at path in o.
func (o *Object) ListMember(path, typ, member string, opts ListOptions) ([]*Object, error) {
	head, err := o.Member(path)
	if err != nil {
		return nil, err
	}
	return ListWalk(head, typ, member, opts)
}
