package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mazarin/arch"
	"mazarin/kmem"
	"mazarin/viz"
)

const helpText = `commands:
  alloc SIZE          allocate SIZE bytes, print the address
  free ADDR           free the block at ADDR
  level ADDR          print the level of the live block at ADDR
  write ADDR TEXT     copy TEXT into heap memory at ADDR
  read ADDR N         hex dump N bytes at ADDR
  stats               heap and page table counters
  free-list LEVEL     list the free blocks of one level
  png FILE            draw the heap to FILE
  help                this text
  quit                leave
Numbers take 0x for hex.
`

type shell struct {
	heap  *kmem.Heap
	space *arch.Space
	out   io.Writer
	log   *zap.Logger
}

var errQuit = errors.New("quit")

// exec runs one command line. It returns errQuit when the session is over.
func (s *shell) exec(line string) (err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		f, ok := r.(*kmem.Fatal)
		if !ok {
			panic(r)
		}
		// These are raised before the heap is touched, so the session can go on.
		if errors.IsAny(f, kmem.ErrTooLarge, kmem.ErrExhausted, kmem.ErrBadPointer) {
			err = f
			return
		}
		fmt.Fprintf(s.out, "kernel panic: %v\n", f)
		err = errQuit
	}()

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "alloc":
		if err := need(args, 1); err != nil {
			return err
		}
		size, err := parseNum(args[0])
		if err != nil {
			return err
		}
		p := s.heap.Alloc(size)
		fmt.Fprintf(s.out, "0x%x (level %d)\n", p, s.heap.Classify(p))

	case "free":
		if err := need(args, 1); err != nil {
			return err
		}
		p, err := parseNum(args[0])
		if err != nil {
			return err
		}
		s.heap.Free(p)

	case "level":
		if err := need(args, 1); err != nil {
			return err
		}
		p, err := parseNum(args[0])
		if err != nil {
			return err
		}
		level := s.heap.Classify(p)
		fmt.Fprintf(s.out, "%d (%d bytes)\n", level, uint64(1)<<level)

	case "write":
		if len(args) < 2 {
			return errors.New("usage: write ADDR TEXT")
		}
		p, err := parseNum(args[0])
		if err != nil {
			return err
		}
		return s.heap.Write(p, []byte(strings.Join(args[1:], " ")))

	case "read":
		if err := need(args, 2); err != nil {
			return err
		}
		p, err := parseNum(args[0])
		if err != nil {
			return err
		}
		n, err := parseNum(args[1])
		if err != nil {
			return err
		}
		cfg := s.heap.Config()
		if p < cfg.Base || n > cfg.Size() || p-cfg.Base > cfg.Size()-n {
			return errors.Newf("[0x%x, +%d) outside the heap", p, n)
		}
		buf := make([]byte, n)
		if err := s.heap.Read(p, buf); err != nil {
			return err
		}
		fmt.Fprint(s.out, hex.Dump(buf))

	case "stats":
		s.stats()

	case "free-list":
		if err := need(args, 1); err != nil {
			return err
		}
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrapf(err, "level %q", args[0])
		}
		blocks := s.heap.FreeBlocks(level)
		fmt.Fprintf(s.out, "level %d: %d free\n", level, len(blocks))
		for _, p := range blocks {
			fmt.Fprintf(s.out, "  0x%x\n", p)
		}

	case "png":
		if err := need(args, 1); err != nil {
			return err
		}
		if err := viz.SavePNG(args[0], s.heap, viz.Options{}); err != nil {
			return errors.Wrap(err, "png")
		}
		s.log.Info("heap image written", zap.String("file", args[0]))

	case "help", "?":
		fmt.Fprint(s.out, helpText)

	case "quit", "exit":
		return errQuit

	default:
		return errors.Newf("unknown command %q, try help", cmd)
	}
	return nil
}

func (s *shell) stats() {
	st := s.heap.Stats()
	cfg := s.heap.Config()
	fmt.Fprintf(s.out, "heap 0x%x-0x%x levels %d-%d\n",
		cfg.Base, cfg.Base+cfg.Size(), cfg.MinLevel, cfg.MaxLevel)
	fmt.Fprintf(s.out, "allocated %d bytes in %d blocks, %d bytes free\n",
		st.Allocated, st.Live, st.FreeBytes)
	for level := cfg.MinLevel; level <= cfg.MaxLevel; level++ {
		if st.Free[level] > 0 {
			fmt.Fprintf(s.out, "  level %2d: %d free\n", level, st.Free[level])
		}
	}
	if s.space != nil {
		sp := s.space.Stats()
		fmt.Fprintf(s.out, "pages mapped %d, tables %d, faults %d, frames %d/%d\n",
			sp.MappedPages, sp.Tables, sp.Faults, sp.FramesInUse, sp.FramesTotal)
	}
}

func need(args []string, n int) error {
	if len(args) != n {
		return errors.Newf("want %d argument(s), got %d", n, len(args))
	}
	return nil
}

func parseNum(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "number %q", s)
	}
	return uintptr(v), nil
}
