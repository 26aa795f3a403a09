package segment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Keywords lists the title phrases that identify one document type.
type Keywords struct {
	DocType string
	Phrases []string
}

// DefaultKeywords is the document-type table used when none is configured.
// Order matters: on equal match length the earlier type wins.
var DefaultKeywords = []Keywords{
	{"advance_remittance_notification", []string{"advance remittance notification", "remittance advice"}},
	{"air_waybill", []string{"air waybill", "airway bill", "awb"}},
	{"analysis_certificate", []string{"certificate of analysis", "analysis certificate"}},
	{"arrival_notice", []string{"arrival notice", "notice of arrival"}},
	{"almond_inspection_certificate", []string{"almond inspection certificate"}},
	{"bill_of_exchange", []string{"bill of exchange"}},
	{"bill_of_lading", []string{"bill of lading", "b/l"}},
	{"bill_of_materials", []string{"bill of materials", "bom"}},
	{"booking_confirmation", []string{"booking confirmation", "booking note"}},
	{"booking_request", []string{"booking request"}},
	{"buyer_reconciliation", []string{"buyer reconciliation"}},
	{"cargo_damage_report", []string{"cargo damage report"}},
	{"certificate_of_origin", []string{"certificate of origin", "coo"}},
	{"certified_engineers_report", []string{"certified engineer’s report", "certified engineers report"}},
	{"claims_notification", []string{"claims notification"}},
	{"configure_to_order", []string{"configure to order"}},
	{"container_arrival_notice", []string{"container arrival notice"}},
	{"contract", []string{"contract", "service agreement", "supply agreement"}},
	{"cover_letter", []string{"cover letter"}},
	{"customs_declaration", []string{"customs declaration"}},
	{"dangerous_goods_declaration", []string{"dangerous goods declaration", "dgd"}},
	{"dangerous_goods_forms", []string{"dangerous goods forms"}},
	{"dangerous_goods_request", []string{"dangerous goods request"}},
	{"debit_credit_advice", []string{"debit advice", "credit advice"}},
	{"debit_note", []string{"debit note"}},
	{"delivery_note", []string{"delivery note", "delivery receipt"}},
	{"delivery_order", []string{"delivery order"}},
	{"eur1_movement_certificate", []string{"eur.1", "movement certificate"}},
	{"export_declaration", []string{"export declaration"}},
	{"export_license", []string{"export license"}},
	{"free_sale_certificate", []string{"free sale certificate"}},
	{"fumigation_certificate", []string{"fumigation certificate"}},
	{"guarantee_of_origin", []string{"guarantee of origin"}},
	{"halal_certificate", []string{"halal certificate"}},
	{"health_certificate", []string{"health certificate"}},
	{"house_air_waybill", []string{"house air waybill", "hawb"}},
	{"house_bill_of_lading", []string{"house bill of lading", "hbl"}},
	{"import_declaration", []string{"import declaration"}},
	{"import_license", []string{"import license"}},
	{"industrial_license", []string{"industrial license"}},
	{"inspection_certificate", []string{"inspection certificate", "certificate of inspection"}},
	{"inspection_report", []string{"inspection report"}},
	{"insurance_certificate", []string{"insurance certificate", "certificate of insurance"}},
	{"insurance_policy", []string{"insurance policy"}},
	{"invoice", []string{"invoice", "bill to", "final invoice", "commercial invoice"}},
	{"letter_of_credit", []string{"letter of credit", "lc"}},
	{"letter_of_demand", []string{"letter of demand"}},
	{"letter_of_indemnity", []string{"letter of indemnity"}},
	{"letter_of_intent", []string{"letter of intent"}},
	{"master_air_waybill", []string{"master air waybill", "mawb"}},
	{"master_bill_of_lading", []string{"master bill of lading", "mbl"}},
	{"material_safety_data_sheet", []string{"material safety data sheet", "msds"}},
	{"non_gmo_statement", []string{"non-genetically modified statement"}},
	{"note", []string{"delivery note", "credit note", "debit note"}},
	{"order", []string{"order confirmation", "customer order"}},
	{"order_response", []string{"order response"}},
	{"packing_list", []string{"packing list", "packing slip"}},
	{"phytosanitary_certificate", []string{"phytosanitary certificate"}},
	{"product_manual", []string{"product manual"}},
	{"pro_forma_invoice", []string{"pro-forma invoice", "proforma invoice"}},
	{"promissory_note", []string{"promissory note"}},
	{"purchase_order", []string{"purchase order", "po number"}},
	{"quality_certificate", []string{"quality certificate", "certificate of quality"}},
	{"rail_waybill", []string{"rail waybill", "cim"}},
	{"request_for_payment", []string{"request for payment"}},
	{"road_waybill", []string{"road waybill", "cmr"}},
	{"sea_waybill", []string{"sea waybill"}},
	{"settlement", []string{"settlement"}},
	{"shipping_bill", []string{"shipping bill"}},
	{"shipping_instructions", []string{"shipping instructions"}},
	{"statement_on_dual_use_item", []string{"statement on dual-use item"}},
	{"straight_bill_of_lading", []string{"straight bill of lading"}},
	{"survey_report", []string{"survey report"}},
	{"technical_standard_certificate", []string{"technical standard certificate"}},
	{"terminal_handling_receipt", []string{"terminal handling receipt"}},
	{"test_report", []string{"test report"}},
	{"usda_certificate", []string{"usda certificate"}},
	{"verify_copy", []string{"verify copy", "verified copy"}},
	{"vessel_certificate", []string{"vessel certificate"}},
	{"veterinary_certificate", []string{"veterinary certificate"}},
	{"warehouse_receipt", []string{"warehouse receipt"}},
	{"warranty", []string{"warranty"}},
	{"weight_certificate", []string{"weight certificate", "certificate of weight"}},
	{"non_phytosanitary_certificate", []string{"non-phytosanitary certificate"}},
}

// DefaultPriorityPhrases are title phrases strong enough to pick a line out
// of the title region when no line on the page is bold.
var DefaultPriorityPhrases = []string{
	"certificate of analysis",
	"bill of lading",
	"commercial invoice",
	"invoice",
	"packing list",
	"certificate of origin",
	"air waybill",
	"purchase order",
	"delivery note",
	"insurance certificate",
	"phytosanitary certificate",
}

// SpacedPattern compiles phrase into a case-insensitive pattern that allows
// optional whitespace between the characters of a word and requires
// whitespace between words, so "B I L L  O F  L A D I N G" still matches
// "bill of lading". The match is anchored on word boundaries.
func SpacedPattern(phrase string) (*regexp.Regexp, error) {
	words := strings.Fields(phrase)
	if len(words) == 0 {
		return nil, fmt.Errorf("empty keyword phrase")
	}

	parts := make([]string, 0, len(words))
	for _, w := range words {
		chars := make([]string, 0, len(w))
		for _, r := range w {
			chars = append(chars, regexp.QuoteMeta(string(r)))
		}
		parts = append(parts, strings.Join(chars, `\s*`))
	}
	expr := strings.Join(parts, `\s+`)

	first, _ := firstRune(words[0])
	last, _ := lastRune(words[len(words)-1])
	if isWordRune(first) {
		expr = `\b` + expr
	}
	if isWordRune(last) {
		expr += `\b`
	}
	return regexp.Compile(`(?i)` + expr)
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

func lastRune(s string) (rune, bool) {
	rs := []rune(s)
	if len(rs) == 0 {
		return 0, false
	}
	return rs[len(rs)-1], true
}

// isWordRune matches the ASCII class used by \b in Go regular expressions.
func isWordRune(r rune) bool {
	return r < unicode.MaxASCII && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

type tableEntry struct {
	docType  string
	patterns []*regexp.Regexp
}

// Table is a compiled document-type keyword table.
type Table struct {
	entries []tableEntry
}

// NewTable compiles keywords. Entry order is kept for tie-breaking.
func NewTable(keywords []Keywords) (*Table, error) {
	t := &Table{entries: make([]tableEntry, 0, len(keywords))}
	for _, kw := range keywords {
		if kw.DocType == "" {
			return nil, fmt.Errorf("keyword entry without document type")
		}
		e := tableEntry{docType: kw.DocType}
		for _, p := range kw.Phrases {
			re, err := SpacedPattern(p)
			if err != nil {
				return nil, fmt.Errorf("compiling %s phrase %q: %w", kw.DocType, p, err)
			}
			e.patterns = append(e.patterns, re)
		}
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// Best returns the document type whose pattern matched the longest substring
// of text. Ties keep the type that comes first in the table.
func (t *Table) Best(text string) (Match, bool) {
	var best Match
	found := false
	for _, e := range t.entries {
		for _, re := range e.patterns {
			m := re.FindString(text)
			if m == "" {
				continue
			}
			if !found || len(m) > best.Length {
				best = Match{DocType: e.docType, Length: len(m)}
				found = true
			}
		}
	}
	return best, found
}
