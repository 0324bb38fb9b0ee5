//go:build !linux && !darwin

package ptyio

// Port is unavailable on this platform.
type Port struct{}

// Open always fails with ErrUnsupported.
func Open(*Options) (*Port, error) {
	return nil, ErrUnsupported
}

func (p *Port) Name() string                   { return "" }
func (p *Port) Write(data []byte) (int, error) { return 0, ErrUnsupported }
func (p *Port) SetInputHandler(InputHandler)   {}
func (p *Port) Stats() Stats                   { return Stats{} }
func (p *Port) Close() error                   { return nil }
