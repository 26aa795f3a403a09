package segment

import "testing"

func TestSpacedPattern(t *testing.T) {
	cases := []struct {
		phrase, text string
		want         bool
	}{
		{"bill of lading", "BILL OF LADING", true},
		{"bill of lading", "B I L L  O F  L A D I N G", true},
		{"bill of lading", "bill   of\tlading", true},
		{"bill of lading", "BIL L OF LAD ING", true},
		{"bill of lading", "billoflading", false},
		{"eur.1", "EUR.1 movement", true},
		{"eur.1", "EUR 1", false},
		{"b/l", "B/L No. 7781", true},
		{"lc", "welcome aboard", false},
		{"lc", "calculation of freight", false},
		{"lc", "LC 4471 issued", true},
		{"lc", "L C 4471 issued", true},
		{"invoice", "reinvoiced charges", false},
		{"coo", "cooperation agreement", false},
		{"coo", "COO attached", true},
		{"pro-forma invoice", "PRO-FORMA INVOICE", true},
	}
	for _, tc := range cases {
		re, err := SpacedPattern(tc.phrase)
		if err != nil {
			t.Fatalf("SpacedPattern(%q): %v", tc.phrase, err)
		}
		if got := re.MatchString(tc.text); got != tc.want {
			t.Errorf("%q matching %q = %v, want %v", tc.phrase, tc.text, got, tc.want)
		}
	}
}

func TestSpacedPattern_Empty(t *testing.T) {
	if _, err := SpacedPattern("   "); err == nil {
		t.Fatal("expected error for empty phrase")
	}
}

func TestTable_LongestMatchWins(t *testing.T) {
	table, err := NewTable(DefaultKeywords)
	if err != nil {
		t.Fatal(err)
	}

	// "packing list" comes first in the text but "purchase order" is longer.
	got, ok := table.Best("PACKING LIST / PURCHASE ORDER")
	if !ok || got.DocType != "purchase_order" {
		t.Errorf("Best = %+v, want purchase_order", got)
	}
	got, ok = table.Best("PURCHASE ORDER / PACKING LIST")
	if !ok || got.DocType != "purchase_order" {
		t.Errorf("Best = %+v, want purchase_order", got)
	}
}

func TestTable_TieKeepsTableOrder(t *testing.T) {
	table, err := NewTable(DefaultKeywords)
	if err != nil {
		t.Fatal(err)
	}
	// "delivery note" belongs to both delivery_note and note.
	got, ok := table.Best("Delivery Note")
	if !ok || got.DocType != "delivery_note" {
		t.Errorf("Best = %+v, want delivery_note", got)
	}
}

func TestTable_LongerPhraseOfSameFamily(t *testing.T) {
	table, _ := NewTable(DefaultKeywords)
	got, ok := table.Best("MASTER BILL OF LADING")
	if !ok || got.DocType != "master_bill_of_lading" {
		t.Errorf("Best = %+v, want master_bill_of_lading", got)
	}
}

func TestNewTable_RejectsMissingType(t *testing.T) {
	if _, err := NewTable([]Keywords{{Phrases: []string{"x"}}}); err == nil {
		t.Fatal("expected error")
	}
}
