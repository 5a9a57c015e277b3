package messages

// Version selects the DAP draft whose wire formats are in effect. Every
// version-dependent codec takes it as an explicit parameter; there is no
// version-free encoding for most messages.
type Version uint8

const (
	VersionUnknown Version = iota
	Draft02
	Draft07
)

func (v Version) String() string {
	switch v {
	case Draft02:
		return "v02"
	case Draft07:
		return "v07"
	default:
		return "unknown"
	}
}

// ParseVersion maps the URL path prefix to a Version. Unknown strings map to
// VersionUnknown; callers reject those.
func ParseVersion(s string) Version {
	switch s {
	case "v02":
		return Draft02
	case "v07":
		return Draft07
	default:
		return VersionUnknown
	}
}

func (v Version) Known() bool {
	return v == Draft02 || v == Draft07
}
