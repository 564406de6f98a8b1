package volume

import (
	"strings"

	"github.com/distr1/packagefs/internal/pkgerr"
)

// MountType is the packages-directory role a Volume was mounted for
// (spec.md §4.5/§6).
type MountType int

const (
	TypeSystem MountType = iota
	TypeHome
	TypeCustom
)

func (t MountType) String() string {
	switch t {
	case TypeSystem:
		return "system"
	case TypeHome:
		return "home"
	default:
		return "custom"
	}
}

// ShineThrough selects which placeholder directories a Volume creates and
// bind-mounts over at mount time (spec.md §4.5 "Shine-through
// directories").
type ShineThrough int

const (
	ShineThroughNone ShineThrough = iota
	ShineThroughSystem
	ShineThroughHome
)

// Params is a parsed mount-parameter set (spec.md §6 "Mount parameters":
// a driver-settings string with recognized keys).
type Params struct {
	PackagesDir  string
	VolumeName   string
	Type         MountType
	ShineThrough ShineThrough
	State        string // optional packages-state name
}

// shineThroughDirs lists the placeholder names a given mount type expects
// to find bind-mounted over it (spec.md §4.5: "for system: packages").
func (p *Params) shineThroughDirs() []string {
	switch p.ShineThrough {
	case ShineThroughSystem, ShineThroughHome:
		return []string{"packages"}
	default:
		return nil
	}
}

// ParseParams parses a driver-settings string of whitespace-separated
// key=value pairs (spec.md §6). "packages" is required; "type" defaults to
// "system"; "volume-name" and "shine-through" default from "type" when
// absent; "state" has no default.
func ParseParams(s string) (*Params, error) {
	p := &Params{Type: TypeSystem}
	seenPackages := false
	seenShineThrough := false

	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, pkgerr.ErrBadValue
		}
		switch key {
		case "packages":
			p.PackagesDir = value
			seenPackages = true
		case "volume-name":
			p.VolumeName = value
		case "type":
			switch value {
			case "system":
				p.Type = TypeSystem
			case "home":
				p.Type = TypeHome
			case "custom":
				p.Type = TypeCustom
			default:
				return nil, pkgerr.ErrBadValue
			}
		case "shine-through":
			seenShineThrough = true
			switch value {
			case "system":
				p.ShineThrough = ShineThroughSystem
			case "home":
				p.ShineThrough = ShineThroughHome
			case "none":
				p.ShineThrough = ShineThroughNone
			default:
				return nil, pkgerr.ErrBadValue
			}
		case "state":
			p.State = value
		default:
			return nil, pkgerr.ErrBadValue
		}
	}

	if !seenPackages {
		return nil, pkgerr.ErrBadValue
	}
	if p.VolumeName == "" {
		p.VolumeName = p.Type.String() + "-packages"
	}
	if !seenShineThrough {
		switch p.Type {
		case TypeSystem:
			p.ShineThrough = ShineThroughSystem
		case TypeHome:
			p.ShineThrough = ShineThroughHome
		default:
			p.ShineThrough = ShineThroughNone
		}
	}
	return p, nil
}
