package hello

import "github.com/tinyrange/hellodev/internal/chipset"

// IRQ is the device's single legacy interrupt. Assert and Deassert must be
// safe to call repeatedly.
type IRQ interface {
	Assert()
	Deassert()
}

type lineIRQ struct {
	line chipset.LineInterrupt
}

func (l lineIRQ) Assert()   { l.line.SetLevel(true) }
func (l lineIRQ) Deassert() { l.line.SetLevel(false) }
