package netprov

import (
	"context"
)

// Static is for hosts where network is always available (ethernet, wifi managed elsewhere).
// Every Request is answered with connected=true.
type Static struct {
	requests
	Interface string
}

func NewStatic(iface string) *Static {
	if iface == "" {
		iface = "default"
	}
	return &Static{Interface: iface}
}

func (s *Static) Request(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := s.add()
	s.emit(s.Interface, true)
	return h, nil
}

func (s *Static) Release(h Handle) error {
	_, err := s.remove(h)
	return err
}
