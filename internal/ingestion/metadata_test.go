package ingestion

import "testing"

func TestInferMetadata(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		filename     string
		manufacturer string
		engine       string
		docType      string
	}{
		// ── Manufacturer manuals ──────────────────────────────────────────
		{
			name:         "caterpillar operation manual",
			filename:     "CAT_G3520H_Operation_Manual.pdf",
			manufacturer: "caterpillar",
			engine:       "G3520H",
			docType:      "manual",
		},
		{
			name:         "cummins om abbreviation",
			filename:     "cummins-qsk60-OM.pdf",
			manufacturer: "cummins",
			engine:       "QSK60",
			docType:      "manual",
		},
		{
			name:         "jenbacher via innio alias",
			filename:     "INNIO J620 handbook.docx",
			manufacturer: "jenbacher",
			engine:       "J620",
			docType:      "manual",
		},
		// ── Alarm and procedure documents ─────────────────────────────────
		{
			name:         "vee engine alarm codes",
			filename:     "wartsila-20V34SG-alarm-codes.docx",
			manufacturer: "wartsila",
			engine:       "20V34SG",
			docType:      "alarm",
		},
		{
			name:         "generic sop with revision",
			filename:     "lube oil SOP rev3.txt",
			manufacturer: "generic",
			engine:       "",
			docType:      "procedure",
		},
		{
			name:         "mtu maintenance checklist",
			filename:     "mtu_16V4000_maintenance_checklist.md",
			manufacturer: "mtu",
			engine:       "16V4000",
			docType:      "procedure",
		},
		// ── Reports, bulletins, drawings ─────────────────────────────────
		{
			name:         "incident report",
			filename:     "2024-03 unit 2 incident report.pdf",
			manufacturer: "generic",
			engine:       "",
			docType:      "report",
		},
		{
			name:         "service bulletin",
			filename:     "waukesha_SIB_L7044GSI.pdf",
			manufacturer: "waukesha",
			engine:       "L7044GSI",
			docType:      "bulletin",
		},
		{
			name:         "cooling schematic photo",
			filename:     "jacket water schematic.png",
			manufacturer: "generic",
			engine:       "",
			docType:      "drawing",
		},
		// ── Fallbacks ─────────────────────────────────────────────────────
		{
			name:         "unrecognised name",
			filename:     "notes.txt",
			manufacturer: "generic",
			engine:       "",
			docType:      "reference",
		},
		{
			name:         "path components ignored",
			filename:     "/uploads/cat/readme.txt",
			manufacturer: "generic",
			engine:       "",
			docType:      "reference",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := InferMetadata(tc.filename)
			if got.Manufacturer != tc.manufacturer {
				t.Errorf("Manufacturer: want %q, got %q", tc.manufacturer, got.Manufacturer)
			}
			if got.Engine != tc.engine {
				t.Errorf("Engine: want %q, got %q", tc.engine, got.Engine)
			}
			if got.DocType != tc.docType {
				t.Errorf("DocType: want %q, got %q", tc.docType, got.DocType)
			}
		})
	}
}

func TestTrimSegments(t *testing.T) {
	t.Parallel()
	got := trimSegments("CAT__G3520 (rev2)")
	want := []string{"cat", "g3520", "rev2"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d: want %q, got %q", i, want[i], got[i])
		}
	}
}
