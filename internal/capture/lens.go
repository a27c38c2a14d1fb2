package capture

import (
	"strings"
)

// Lens identifies a physical camera module. The numeric values are
// part of the command surface (updateCameraLens takes 0-8).
type Lens int

const (
	LensDefault Lens = iota
	LensWide
	LensTelephoto
	LensUltraWide
	LensDual
	LensDualWide
	LensTriple
	LensTrueDepth
	LensLiDAR
)

func (l Lens) String() string {
	switch l {
	case LensDefault:
		return "default"
	case LensWide:
		return "wide"
	case LensTelephoto:
		return "telephoto"
	case LensUltraWide:
		return "ultra-wide"
	case LensDual:
		return "dual"
	case LensDualWide:
		return "dual-wide"
	case LensTriple:
		return "triple"
	case LensTrueDepth:
		return "truedepth"
	case LensLiDAR:
		return "lidar"
	default:
		return "unknown"
	}
}

// LensFromID maps a command-surface lens id onto a Lens. ok is false
// for ids outside 0-8.
func LensFromID(id int) (Lens, bool) {
	if id < int(LensDefault) || id > int(LensLiDAR) {
		return LensDefault, false
	}
	return Lens(id), true
}

// classifyLabel guesses lens and position from a device label. Driver
// labels are free text, so this is keyword matching over the
// descriptions the platforms actually emit.
func classifyLabel(label string) (Lens, Position) {
	l := strings.ToLower(label)

	pos := PositionBack
	if strings.Contains(l, "front") || strings.Contains(l, "user") || strings.Contains(l, "facetime") {
		pos = PositionFront
	}

	switch {
	case strings.Contains(l, "ultra wide") || strings.Contains(l, "ultra-wide") || strings.Contains(l, "ultrawide"):
		return LensUltraWide, pos
	case strings.Contains(l, "telephoto") || strings.Contains(l, "tele "):
		return LensTelephoto, pos
	case strings.Contains(l, "truedepth") || strings.Contains(l, "true depth"):
		return LensTrueDepth, pos
	case strings.Contains(l, "lidar"):
		return LensLiDAR, pos
	case strings.Contains(l, "triple"):
		return LensTriple, pos
	case strings.Contains(l, "dual wide") || strings.Contains(l, "dual-wide"):
		return LensDualWide, pos
	case strings.Contains(l, "dual"):
		return LensDual, pos
	case strings.Contains(l, "wide"):
		return LensWide, pos
	default:
		return LensDefault, pos
	}
}
