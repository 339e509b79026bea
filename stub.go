package main

import (
	"os"

	"ia64vm/kernel/kfmt"
	"ia64vm/kernel/kmain"
)

// main attaches the host terminal as the kernel console and boots the
// default simulated machine.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	cfg := kmain.DefaultConfig()
	cfg.VM.Verbose = true
	kmain.Kmain(cfg)
}
