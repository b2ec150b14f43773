package ingestion

import (
	"path/filepath"
	"regexp"
	"strings"
)

// InferredMetadata holds the manufacturer, engine model and document kind
// inferred from an uploaded filename. It is attached to every chunk so
// retrieval results can be traced back to the equipment they describe.
type InferredMetadata struct {
	// Manufacturer is the canonical OEM label (caterpillar, cummins, ...),
	// or "generic" when none is recognised.
	Manufacturer string
	// Engine is the engine model token (e.g. "G3520"), empty when unknown.
	Engine string
	// DocType classifies the document (manual, procedure, alarm, bulletin,
	// report, training, drawing, reference).
	DocType string
}

// manufacturerAliases maps filename tokens to a canonical manufacturer label.
var manufacturerAliases = map[string]string{
	"cat":         "caterpillar",
	"caterpillar": "caterpillar",
	"cummins":     "cummins",
	"wartsila":    "wartsila",
	"jenbacher":   "jenbacher",
	"innio":       "jenbacher",
	"man":         "man",
	"mtu":         "mtu",
	"waukesha":    "waukesha",
	"mwm":         "mwm",
	"ge":          "ge",
	"siemens":     "siemens",
}

// docTypeKeywords maps filename tokens to a document kind. Earlier entries win.
var docTypeKeywords = []struct {
	token   string
	docType string
}{
	{"alarm", "alarm"},
	{"alarms", "alarm"},
	{"fault", "alarm"},
	{"codes", "alarm"},
	{"sop", "procedure"},
	{"procedure", "procedure"},
	{"maintenance", "procedure"},
	{"checklist", "procedure"},
	{"bulletin", "bulletin"},
	{"sib", "bulletin"},
	{"incident", "report"},
	{"rca", "report"},
	{"report", "report"},
	{"training", "training"},
	{"course", "training"},
	{"drawing", "drawing"},
	{"schematic", "drawing"},
	{"pid", "drawing"},
	{"manual", "manual"},
	{"om", "manual"},
	{"operation", "manual"},
	{"handbook", "manual"},
}

// enginePattern matches model designations such as g3520, qsk60, 20v34sg,
// j620 or 16v4000.
var enginePattern = regexp.MustCompile(`^(?:[a-z]{1,4}\d{2,5}[a-z]{0,3}|\d{1,2}v\d{2,4}[a-z]{0,3})$`)

// InferMetadata inspects an uploaded filename and returns best-effort
// metadata. Unrecognised names yield ("generic", "", "reference").
//
// Examples:
//
//	CAT_G3520H_Operation_Manual.pdf   -> caterpillar, G3520H, manual
//	wartsila-20V34SG-alarm-codes.docx -> wartsila, 20V34SG, alarm
//	lube oil SOP rev3.txt             -> generic, "", procedure
func InferMetadata(filename string) InferredMetadata {
	m := InferredMetadata{
		Manufacturer: "generic",
		DocType:      "reference",
	}

	segments := trimSegments(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	docTypeRank := len(docTypeKeywords)

	for _, seg := range segments {
		if alias, ok := manufacturerAliases[seg]; ok && m.Manufacturer == "generic" {
			m.Manufacturer = alias
			continue
		}
		if m.Engine == "" && enginePattern.MatchString(seg) && !isRevision(seg) {
			m.Engine = strings.ToUpper(seg)
			continue
		}
		for rank, kw := range docTypeKeywords {
			if seg == kw.token && rank < docTypeRank {
				docTypeRank = rank
				m.DocType = kw.docType
			}
		}
	}

	return m
}

// isRevision reports whether seg is a revision marker like rev3 or v2.
func isRevision(seg string) bool {
	return strings.HasPrefix(seg, "rev") || (len(seg) <= 3 && strings.HasPrefix(seg, "v"))
}

// trimSegments splits a filename stem into non-empty lowercase tokens.
func trimSegments(stem string) []string {
	parts := strings.FieldsFunc(strings.ToLower(stem), func(r rune) bool {
		switch r {
		case '_', '-', ' ', '.', '(', ')', '[', ']':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
