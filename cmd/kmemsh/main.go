// Command kmemsh is an interactive shell over a kernel heap running on a
// simulated address space. Each line is one command; type help for the list.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
	tty "github.com/mattn/go-tty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mazarin/arch"
	"mazarin/kmem"
)

func main() {
	minLevel := flag.Int("min", kmem.MIN_LEVEL, "smallest block level")
	maxLevel := flag.Int("max", kmem.MAX_LEVEL, "heap size level")
	base := flag.Uint64("base", kmem.KMALLOC_HEAP_BASE, "heap base address")
	frames := flag.Int("frames", 16384, "physical frames backing the address space")
	device := flag.String("tty", "", "terminal device (default: controlling terminal)")
	verbose := flag.Bool("v", false, "log every map, fault, split and merge")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kmemsh [flags]\n")
		fmt.Fprintf(os.Stderr, "Reads commands from the terminal, or from stdin when it is not one.\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log := newLogger(*verbose)
	defer log.Sync()

	if err := run(log, kmem.Config{MinLevel: *minLevel, MaxLevel: *maxLevel, Base: uintptr(*base)}, *frames, *device); err != nil {
		log.Error("kmemsh", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

func run(log *zap.Logger, cfg kmem.Config, frames int, device string) error {
	pool, err := arch.NewFramePool(frames)
	if err != nil {
		return err
	}
	defer pool.Close()

	space := arch.NewSpace(pool, log)
	heap, err := kmem.NewOnSpace(space, cfg, kmem.WithLogger(log))
	if err != nil {
		return err
	}

	if device == "" && !isatty.IsTerminal(os.Stdin.Fd()) {
		sh := &shell{heap: heap, space: space, out: os.Stdout, log: log}
		return sh.loop(bufio.NewReader(os.Stdin), "")
	}

	var term *tty.TTY
	if device != "" {
		term, err = tty.OpenDevice(device)
	} else {
		term, err = tty.Open()
	}
	if err != nil {
		return errors.Wrap(err, "open terminal")
	}
	defer term.Close()

	sh := &shell{heap: heap, space: space, out: term.Output(), log: log}
	return sh.loop(ttyReader{term}, "kmem> ")
}

type lineReader interface {
	ReadString(delim byte) (string, error)
}

// ttyReader adapts tty.TTY, which reads a line with echo and editing, to
// lineReader.
type ttyReader struct{ t *tty.TTY }

func (r ttyReader) ReadString(byte) (string, error) { return r.t.ReadString() }

func (s *shell) loop(in lineReader, prompt string) error {
	for {
		if prompt != "" {
			fmt.Fprint(s.out, prompt)
		}
		line, err := in.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			switch cerr := s.exec(line); {
			case errors.Is(cerr, errQuit):
				return nil
			case cerr != nil:
				fmt.Fprintf(s.out, "error: %v\n", cerr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read command")
		}
	}
}
