package message

// Domain classifies body content for the Content-Transfer-Encoding of a
// composed message: 7-bit clean, 8-bit (high bit set somewhere), or binary
// (contains a NUL).
type Domain byte

const (
	Domain7Bit Domain = iota
	Domain8Bit
	DomainBinary
)

// Header returns the Content-Transfer-Encoding value for the domain, empty
// for 7-bit content which needs no header.
func (d Domain) Header() string {
	switch d {
	case Domain8Bit:
		return "8bit"
	case DomainBinary:
		return "binary"
	}
	return ""
}

// DomainScanner classifies bytes written through it. Use as one branch of an
// io.MultiWriter so content is classified in the same pass that stores it.
type DomainScanner struct {
	d Domain
}

func (s *DomainScanner) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == 0 {
			s.d = DomainBinary
			break
		}
		if b >= 0x80 && s.d == Domain7Bit {
			s.d = Domain8Bit
		}
	}
	return len(p), nil
}

func (s *DomainScanner) Domain() Domain {
	return s.d
}
