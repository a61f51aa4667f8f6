// Package form4parser turns a raw Form 4 ownershipDocument XML payload
// into the structured rows the aggregator consumes. It is deliberately
// namespace-agnostic: EDGAR has emitted Form 4 XML under several
// schema versions over the years, and filer software is inconsistent
// about declaring a default namespace at all.
package form4parser

import (
	"fmt"
	"strconv"
	"strings"
)

// ReportingOwner is one <reportingOwner> block.
type ReportingOwner struct {
	OwnerCIK          string
	OwnerName         string
	IsDirector        *bool
	IsOfficer         *bool
	IsTenPercentOwner *bool
	OfficerTitle      string
}

// TransactionRow is one non-derivative or derivative transaction row.
type TransactionRow struct {
	IsDerivative         bool
	TransactionCode      string
	TransactionDate      string
	Shares               *float64
	Price                string
	SharesOwnedFollowing *float64
	RawPayload           map[string]any
}

// ParsedForm4 is the full decoded filing.
type ParsedForm4 struct {
	DocumentType        string
	IssuerCIK           string
	IssuerName          string
	IssuerTradingSymbol string
	ReportingOwners     []ReportingOwner
	Transactions        []TransactionRow
}

// Parse decodes a Form 4 ownershipDocument XML payload.
func Parse(xmlText string) (*ParsedForm4, error) {
	root, err := parseXMLTree(strings.NewReader(xmlText))
	if err != nil {
		return nil, fmt.Errorf("form4parser: invalid XML: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("form4parser: empty document")
	}

	if strings.ToLower(root.tag) != "ownershipdocument" {
		var ownership *node
		for _, n := range root.allDescendants() {
			if strings.ToLower(n.tag) == "ownershipdocument" {
				ownership = n
				break
			}
		}
		if ownership == nil {
			return nil, fmt.Errorf("form4parser: no ownershipDocument element found in XML")
		}
		root = ownership
	}

	footnotes := parseFootnotes(root)

	out := &ParsedForm4{
		DocumentType: root.findText("documentType"),
	}

	if issuer := root.child("issuer"); issuer != nil {
		out.IssuerCIK = strings.TrimSpace(issuer.findText("issuerCik"))
		out.IssuerName = issuer.findText("issuerName")
		out.IssuerTradingSymbol = issuer.findText("issuerTradingSymbol")
	}

	for _, ro := range root.children {
		if ro.tag != "reportingOwner" {
			continue
		}
		out.ReportingOwners = append(out.ReportingOwners, parseReportingOwner(ro))
	}

	if ndTable := root.child("nonDerivativeTable"); ndTable != nil {
		for _, tx := range ndTable.children {
			if tx.tag != "nonDerivativeTransaction" {
				continue
			}
			out.Transactions = append(out.Transactions, parseTransaction(tx, false, footnotes))
		}
	}

	if dTable := root.child("derivativeTable"); dTable != nil {
		for _, tx := range dTable.children {
			if tx.tag != "derivativeTransaction" {
				continue
			}
			out.Transactions = append(out.Transactions, parseTransaction(tx, true, footnotes))
		}
	}

	return out, nil
}

func parseReportingOwner(ro *node) ReportingOwner {
	var ownerCIK, ownerName string
	if id := ro.child("reportingOwnerId"); id != nil {
		ownerCIK = strings.TrimSpace(id.findText("rptOwnerCik"))
		ownerName = strings.TrimSpace(id.findText("rptOwnerName"))
	}

	out := ReportingOwner{OwnerCIK: ownerCIK, OwnerName: ownerName}

	if rel := ro.child("reportingOwnerRelationship"); rel != nil {
		out.IsDirector = toBool(rel.findText("isDirector"))
		out.IsOfficer = toBool(rel.findText("isOfficer"))
		out.IsTenPercentOwner = toBool(rel.findText("isTenPercentOwner"))
		out.OfficerTitle = strings.TrimSpace(rel.findText("officerTitle"))
	}

	return out
}

func parseTransaction(tx *node, isDerivative bool, footnotes map[string]string) TransactionRow {
	code := tx.findText("transactionCoding", "transactionCode")
	date := tx.findValueText("transactionDate")
	shares := parseFloat(tx.findValueText("transactionAmounts", "transactionShares"))
	priceRaw := tx.findValueText("transactionAmounts", "transactionPricePerShare")
	sharesFollowing := parseFloat(tx.findValueText("postTransactionAmounts", "sharesOwnedFollowingTransaction"))

	raw := map[string]any{
		"transaction_code":       nilIfEmpty(code),
		"transaction_date":       nilIfEmpty(date),
		"shares":                 shares,
		"price":                  nilIfEmpty(priceRaw),
		"shares_owned_following": sharesFollowing,
		"is_derivative":          isDerivative,
	}

	if acqDisp := tx.findValueText("transactionAmounts", "transactionAcquiredDisposedCode"); acqDisp != "" {
		raw["acquired_disposed"] = acqDisp
	}

	secTitle := tx.findValueText("securityTitle")
	if secTitle == "" {
		secTitle = tx.findText("securityTitle")
	}
	if secTitle != "" {
		raw["security_title"] = secTitle
	}

	var footnoteIDs []string
	seen := map[string]bool{}
	for _, n := range tx.allDescendants() {
		if strings.ToLower(n.tag) != "footnoteid" {
			continue
		}
		fid := strings.TrimSpace(n.attrs["id"])
		if fid == "" {
			fid = strings.TrimSpace(n.attrs["ID"])
		}
		if fid == "" || seen[fid] {
			continue
		}
		seen[fid] = true
		footnoteIDs = append(footnoteIDs, fid)
	}

	if len(footnoteIDs) > 0 {
		raw["footnote_ids"] = footnoteIDs
		var notes []map[string]string
		for _, fid := range footnoteIDs {
			if txt, ok := footnotes[fid]; ok && txt != "" {
				notes = append(notes, map[string]string{"id": fid, "text": txt})
			}
		}
		if len(notes) > 0 {
			raw["footnotes"] = notes
		}
	}

	return TransactionRow{
		IsDerivative:         isDerivative,
		TransactionCode:      code,
		TransactionDate:      date,
		Shares:               shares,
		Price:                priceRaw,
		SharesOwnedFollowing: sharesFollowing,
		RawPayload:           raw,
	}
}

// parseFootnotes builds the footnote-id -> text map used to resolve
// <footnoteId id="F1"/> references inside transaction rows.
func parseFootnotes(root *node) map[string]string {
	out := map[string]string{}
	fn := root.child("footnotes")
	if fn == nil {
		return out
	}
	for _, c := range fn.children {
		if strings.ToLower(c.tag) != "footnote" {
			continue
		}
		fid := strings.TrimSpace(c.attrs["id"])
		if fid == "" {
			fid = strings.TrimSpace(c.attrs["ID"])
		}
		if fid == "" {
			continue
		}
		if text := c.itertext(); text != "" {
			out[fid] = text
		}
	}
	return out
}

// parseFloat tolerates thousands separators the way the filer
// software sometimes (incorrectly) emits them.
func parseFloat(s string) *float64 {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	t = strings.ReplaceAll(t, ",", "")
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return nil
	}
	return &f
}

func toBool(s string) *bool {
	s = strings.TrimSpace(s)
	switch s {
	case "1", "true", "True":
		v := true
		return &v
	case "0", "false", "False":
		v := false
		return &v
	default:
		return nil
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
