package emulator

import (
	"fmt"
	"sync"
)

var (
	coreMtx     sync.Mutex
	coreFactory func() Emulator
)

// RegisterCore installs the console core implementation the Driver will
// instantiate. It follows the database/sql driver convention: a core package
// registers itself from an init function, and the binary links exactly one
// in. Registering twice panics.
func RegisterCore(factory func() Emulator) {
	coreMtx.Lock()
	defer coreMtx.Unlock()
	if coreFactory != nil {
		panic("emulator: RegisterCore called twice")
	}
	coreFactory = factory
}

// Core returns the registered core factory, or an error when the binary was
// built without one.
func Core() (func() Emulator, error) {
	coreMtx.Lock()
	defer coreMtx.Unlock()
	if coreFactory == nil {
		return nil, fmt.Errorf("emulator: no console core registered; link a core package that calls RegisterCore")
	}
	return coreFactory, nil
}
