package entityutil

import (
	"github.com/odvcencio/got/pkg/entity"
)

// KindName maps an extracted entity kind to its API string.
func KindName(k entity.EntityKind) string {
	switch k {
	case entity.KindPreamble:
		return "preamble"
	case entity.KindImportBlock:
		return "import"
	case entity.KindDeclaration:
		return "declaration"
	case entity.KindInterstitial:
		return "interstitial"
	default:
		return "unknown"
	}
}

// Outline extracts the entities of a source file.
//
// Returns (list, true) when extraction succeeded with at least one entity and
// (nil, false) for unsupported or unparseable files.
func Outline(path string, data []byte) (*entity.EntityList, bool) {
	el, err := entity.Extract(path, data)
	if err != nil || el == nil || len(el.Entities) == 0 {
		return nil, false
	}
	return el, true
}

// Declarations returns the declaration entities of el in source order.
func Declarations(el *entity.EntityList) []entity.Entity {
	if el == nil {
		return nil
	}
	out := make([]entity.Entity, 0, len(el.Entities))
	for _, e := range el.Entities {
		if e.Kind == entity.KindDeclaration {
			out = append(out, e)
		}
	}
	return out
}
