package main

import (
	"errors"
	"flag"
	"fmt"
	"math/bits"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"ia64vm/kernel/hal"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
	"ia64vm/kernel/mm/vmm"
)

const (
	captionHeight = 48
	margin        = 8
	fontSize      = 14
)

// workload describes the mappings entered before the table is sampled.
type workload struct {
	cpus         int
	frames       int
	spaces       int
	pages        int
	vhptLog2Size uint
	touch        bool
	verbose      bool
}

// result holds the table occupancy after a workload has run.
type result struct {
	log2size uint
	lengths  []int
	inserts  uint64
	misses   int
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[vhptmap] error: %s\n", err.Error())
	os.Exit(1)
}

// run boots a simulated machine and maps every page of the workload into
// each address space.
func run(w workload) (*result, error) {
	if w.spaces <= 0 || w.pages <= 0 {
		return nil, errors.New("spaces and pages must be positive")
	}

	var (
		hw  = hal.New(hal.Config{CPUs: w.cpus})
		mem = pmm.New(w.frames)
		cfg = vmm.Config{VHPTLog2Size: w.vhptLog2Size, Verbose: w.verbose, Output: os.Stdout}
	)
	if w.verbose {
		hw.Describe(os.Stdout)
	}
	e := vmm.Bootstrap(cfg, mem, hw, hw)

	data := make([]*pmm.Page, w.pages)
	for i := range data {
		m, err := mem.AllocFrame(0)
		if err != nil {
			return nil, fmt.Errorf("allocating data page %d: %w", i, err)
		}
		e.PageInit(m)
		data[i] = m
	}

	var (
		procs = hw.Processors()
		res   = &result{log2size: e.VHPTLog2Size()}
	)
	for i := 0; i < w.spaces; i++ {
		s := e.NewAddressSpace()
		for j, m := range data {
			va := uintptr(j) << mm.PageShift
			if err := s.Enter(va, m, vmm.ProtRead|vmm.ProtWrite, vmm.EnterNoSleep); err != nil {
				return nil, fmt.Errorf("space %d: mapping 0x%x: %w", i, va, err)
			}
		}

		if !w.touch {
			continue
		}
		p := procs[i%len(procs)]
		e.Switch(p, s)
		for j := range data {
			if err := e.HandleMiss(p, uintptr(j)<<mm.PageShift, vmm.ProtRead, true); err != nil {
				return nil, fmt.Errorf("space %d: miss on page %d: %w", i, j, err)
			}
			res.misses++
		}
	}

	res.lengths = e.VHPTChainLengths()
	res.inserts = e.VHPTInserts()
	return res, nil
}

// gridSize returns the cell layout used for n buckets.
func gridSize(n int) (cols, rows int) {
	if n <= 0 {
		return 0, 0
	}
	log2 := bits.Len(uint(n)) - 1
	cols = 1 << uint((log2+1)/2)
	rows = (n + cols - 1) / cols
	return cols, rows
}

// heat maps a chain length, relative to the longest chain, to a color
// ranging from blue through yellow to red. Empty buckets are black.
func heat(length, longest int) (r, g, b float64) {
	if length == 0 || longest == 0 {
		return 0, 0, 0
	}
	t := float64(length) / float64(longest)
	if t < 0.5 {
		t *= 2
		return t, t, 1 - t
	}
	t = (t - 0.5) * 2
	return 1, 1 - t, 0
}

// render draws one cell per bucket below a caption summarizing res.
func render(res *result, cellSize int) (*gg.Context, error) {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}

	var (
		cols, rows = gridSize(len(res.lengths))
		longest    int
		population int
	)
	for _, n := range res.lengths {
		population += n
		if n > longest {
			longest = n
		}
	}

	dc := gg.NewContext(2*margin+cols*cellSize, captionHeight+margin+rows*cellSize)
	dc.SetRGB(0.1, 0.1, 0.1)
	dc.Clear()

	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))
	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("VHPT 0x%x bytes, %d buckets", uint64(1)<<res.log2size, len(res.lengths)), margin, margin+fontSize)
	dc.DrawString(fmt.Sprintf("population %d, inserts %d, misses %d, longest chain %d", population, res.inserts, res.misses, longest), margin, margin+2*fontSize+4)

	for i, n := range res.lengths {
		x, y := margin+(i%cols)*cellSize, captionHeight+(i/cols)*cellSize
		dc.SetRGB(heat(n, longest))
		dc.DrawRectangle(float64(x), float64(y), float64(cellSize), float64(cellSize))
		dc.Fill()
	}

	return dc, nil
}

func main() {
	var w workload
	cellSize := flag.Int("cell", 2, "size of a bucket cell in pixels")
	output := flag.String("out", "vhpt.png", "the PNG file to write")
	flag.IntVar(&w.cpus, "cpus", 4, "number of simulated processors")
	flag.IntVar(&w.frames, "frames", 8192, "number of physical frames")
	flag.IntVar(&w.spaces, "spaces", 8, "number of address spaces")
	flag.IntVar(&w.pages, "pages", 1024, "pages mapped by each address space")
	flag.UintVar(&w.vhptLog2Size, "vhpt", 0, "log2 of the VHPT size in bytes (0 selects the default)")
	flag.BoolVar(&w.touch, "touch", true, "take a translation miss on every mapped page")
	flag.BoolVar(&w.verbose, "v", false, "print the boot parameters")
	flag.Parse()

	if *cellSize <= 0 {
		exit(errors.New("cell size must be positive"))
	}

	res, err := run(w)
	if err != nil {
		exit(err)
	}

	dc, err := render(res, *cellSize)
	if err != nil {
		exit(err)
	}

	if err = dc.SavePNG(*output); err != nil {
		exit(err)
	}
}
