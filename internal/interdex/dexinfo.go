package interdex

import (
	"strings"

	"github.com/dexpack/dexpack/internal/ir"
)

const (
	canaryPrefix      = "Lsecondary/dex"
	canaryClassFormat = "Lsecondary/dex%02d/Canary;"

	endMarkerPrefix      = "LDexEndMarker"
	scrollSetStartPrefix = "LScrollSetStart"
	scrollSetEndPrefix   = "LScrollSetEnd"
	bgSetStartPrefix     = "LBackgroundSetStart"
	bgSetEndPrefix       = "LBackgroundSetEnd"

	maxDexNum = 99
)

// DexInfo carries the layout flags accumulated for the DEX currently being
// filled; a snapshot is recorded per emitted DEX for the manifest.
type DexInfo struct {
	Primary        bool
	Coldstart      bool
	Extended       bool
	Scroll         bool
	Background     bool
	BetamapOrdered bool
}

// EntryKind discriminates the cold-start entry union.
type EntryKind int

const (
	EntryClass EntryKind = iota
	EntryEndMarker
	EntryScrollStart
	EntryScrollEnd
	EntryBgStart
	EntryBgEnd
)

// coldstartEntry is one typed entry of the prepared cold-start sequence.
// Class entries carry the type; end markers carry their ordinal.
type coldstartEntry struct {
	kind    EntryKind
	typ     *ir.Type
	ordinal int
}

// markerKind classifies a cold-start name that has no class definition.
// Names matching no marker prefix are dropped from the sequence.
func markerKind(name string) (EntryKind, bool) {
	switch {
	case strings.HasPrefix(name, endMarkerPrefix):
		return EntryEndMarker, true
	case strings.HasPrefix(name, scrollSetStartPrefix):
		return EntryScrollStart, true
	case strings.HasPrefix(name, scrollSetEndPrefix):
		return EntryScrollEnd, true
	case strings.HasPrefix(name, bgSetStartPrefix):
		return EntryBgStart, true
	case strings.HasPrefix(name, bgSetEndPrefix):
		return EntryBgEnd, true
	}
	return 0, false
}

// IsCanary reports whether the class is a fabricated secondary-DEX canary.
func IsCanary(cls *ir.Class) bool {
	return strings.HasPrefix(cls.Name(), canaryPrefix)
}
