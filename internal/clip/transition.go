package clip

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTransition is returned by ParseKind for names outside the enum.
var ErrUnknownTransition = errors.New("clip: unknown transition kind")

// Kind is a named transition effect.
type Kind string

// Transition kinds. The string values are what clients send; EngineName
// returns what the media engine expects.
const (
	KindNone        Kind = "none"
	KindFade        Kind = "fade"
	KindFadeBlack   Kind = "fadeblack"
	KindFadeWhite   Kind = "fadewhite"
	KindWipeLeft    Kind = "wipeleft"
	KindWipeRight   Kind = "wiperight"
	KindWipeUp      Kind = "wipeup"
	KindWipeDown    Kind = "wipedown"
	KindSlideLeft   Kind = "slidelt"
	KindSlideRight  Kind = "slidert"
	KindSlideUp     Kind = "slideup"
	KindSlideDown   Kind = "slidedown"
	KindCircleCrop  Kind = "circlecrop"
	KindRectCrop    Kind = "rectcrop"
	KindCircleOpen  Kind = "circleopen"
	KindCircleClose Kind = "circleclose"
	KindDissolve    Kind = "dissolve"
	KindPixelize    Kind = "pixelize"
	KindHLSlice     Kind = "hlslice"
	KindHRSlice     Kind = "hrslice"
	KindVUSlice     Kind = "vuslice"
	KindVDSlice     Kind = "vdslice"
	KindHBlur       Kind = "hblur"
	KindSqueezeH    Kind = "squeezeh"
	KindSqueezeV    Kind = "squeezev"
	KindDiagTL      Kind = "diagtl"
	KindDiagTR      Kind = "diagtr"
	KindDiagBL      Kind = "diagbl"
	KindDiagBR      Kind = "diagbr"
	KindRadial      Kind = "radial"
	KindDistance    Kind = "distance"
	KindSmoothLeft  Kind = "smoothleft"
	KindSmoothRight Kind = "smoothright"
)

var allKinds = []Kind{
	KindNone, KindFade, KindFadeBlack, KindFadeWhite,
	KindWipeLeft, KindWipeRight, KindWipeUp, KindWipeDown,
	KindSlideLeft, KindSlideRight, KindSlideUp, KindSlideDown,
	KindCircleCrop, KindRectCrop, KindCircleOpen, KindCircleClose,
	KindDissolve, KindPixelize,
	KindHLSlice, KindHRSlice, KindVUSlice, KindVDSlice,
	KindHBlur, KindSqueezeH, KindSqueezeV,
	KindDiagTL, KindDiagTR, KindDiagBL, KindDiagBR,
	KindRadial, KindDistance, KindSmoothLeft, KindSmoothRight,
}

// engineNames holds the kinds whose engine spelling differs.
var engineNames = map[Kind]string{
	KindSlideLeft:  "slideleft",
	KindSlideRight: "slideright",
}

// Kinds returns every transition kind, KindNone first.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// IsValid reports whether k is a member of the enum.
func (k Kind) IsValid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// EngineName returns the transition name the engine's xfade filter accepts.
func (k Kind) EngineName() string {
	if name, ok := engineNames[k]; ok {
		return name
	}
	return strings.ToLower(string(k))
}

// ParseKind converts a case-insensitive name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTransition, s)
	}
	return k, nil
}
