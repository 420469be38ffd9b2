package sandbox

// TrustLevel distinguishes client attachments whose input must traverse the
// Input Filter (Untrusted) from ones that bypass it (Local).
type TrustLevel int

const (
	Local TrustLevel = iota
	Untrusted
)

func (t TrustLevel) String() string {
	if t == Untrusted {
		return "untrusted"
	}
	return "local"
}

func ParseTrustLevel(s string) TrustLevel {
	if s == "untrusted" {
		return Untrusted
	}
	return Local
}
