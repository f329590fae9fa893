package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"mazarin/kmem"
)

// step is one script line: "alloc NAME SIZE" or "free NAME".
type step struct {
	line int
	op   string
	name string
	size uintptr
}

func parseScript(r io.Reader) ([]step, error) {
	var steps []step
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		f := strings.Fields(text)
		if len(f) == 0 {
			continue
		}
		switch {
		case f[0] == "alloc" && len(f) == 3:
			size, err := strconv.ParseUint(f[2], 0, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: size", n)
			}
			steps = append(steps, step{line: n, op: "alloc", name: f[1], size: uintptr(size)})
		case f[0] == "free" && len(f) == 2:
			steps = append(steps, step{line: n, op: "free", name: f[1]})
		default:
			return nil, errors.Newf("line %d: cannot parse %q", n, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read script")
	}
	return steps, nil
}

// replay runs steps against h and returns the addresses still named.
// A heap fatal stops the replay and comes back as an error.
func replay(h *kmem.Heap, steps []step) (live map[string]uintptr, err error) {
	live = make(map[string]uintptr)
	var cur step
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*kmem.Fatal)
			if !ok {
				panic(r)
			}
			err = errors.Wrapf(f, "line %d", cur.line)
		}
	}()

	for _, cur = range steps {
		switch cur.op {
		case "alloc":
			if _, dup := live[cur.name]; dup {
				return live, errors.Newf("line %d: %s is already allocated", cur.line, cur.name)
			}
			live[cur.name] = h.Alloc(cur.size)
		case "free":
			p, ok := live[cur.name]
			if !ok {
				return live, errors.Newf("line %d: %s is not allocated", cur.line, cur.name)
			}
			h.Free(p)
			delete(live, cur.name)
		}
	}
	return live, nil
}
