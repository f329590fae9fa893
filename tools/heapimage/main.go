package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"mazarin/arch"
	"mazarin/kmem"
	"mazarin/viz"
)

func main() {
	minLevel := flag.Int("min", kmem.MIN_LEVEL, "smallest block level")
	maxLevel := flag.Int("max", 24, "heap size level")
	frames := flag.Int("frames", 16384, "physical frames backing the heap")
	width := flag.Int("width", 1024, "image width in pixels")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: heapimage [flags] <script> <output-png>\n")
		fmt.Fprintf(os.Stderr, "Replays an allocation script on a fresh heap and draws the result\n")
		fmt.Fprintf(os.Stderr, "Script lines:\n")
		fmt.Fprintf(os.Stderr, "  alloc NAME SIZE\n")
		fmt.Fprintf(os.Stderr, "  free NAME\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := kmem.Config{MinLevel: *minLevel, MaxLevel: *maxLevel, Base: kmem.KMALLOC_HEAP_BASE}
	if err := run(os.Stdout, flag.Arg(0), flag.Arg(1), cfg, *frames, *width); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, scriptPath, outputPath string, cfg kmem.Config, frames, width int) error {
	file, err := os.Open(scriptPath)
	if err != nil {
		return errors.Wrap(err, "open script")
	}
	steps, err := parseScript(file)
	file.Close()
	if err != nil {
		return errors.Wrap(err, "parse script")
	}

	pool, err := arch.NewFramePool(frames)
	if err != nil {
		return err
	}
	defer pool.Close()

	space := arch.NewSpace(pool, nil)
	h, err := kmem.NewOnSpace(space, cfg)
	if err != nil {
		return err
	}

	live, err := replay(h, steps)
	if err != nil {
		// Still draw what the heap looked like when it stopped.
		fmt.Fprintf(os.Stderr, "Replay stopped: %v\n", err)
	}

	if err := viz.SavePNG(outputPath, h, viz.Options{Width: width}); err != nil {
		return errors.Wrap(err, "write image")
	}

	st := h.Stats()
	sp := space.Stats()
	fmt.Fprintf(out, "Replayed %d steps, %d named blocks live\n", len(steps), len(live))
	fmt.Fprintf(out, "Allocated %d bytes, %d bytes free, %d pages resident\n", st.Allocated, st.FreeBytes, sp.MappedPages)
	fmt.Fprintf(out, "Wrote %s\n", outputPath)
	return nil
}
