package elfview

import "errors"

var (
	ErrNotELF          = errors.New("not a valid elf file")
	ErrOSABI           = errors.New("osabi not supported")
	ErrMachine         = errors.New("machine not supported")
	ErrClass           = errors.New("elf class not supported")
	ErrUnsupportedType = errors.New("elf type not supported")
)
