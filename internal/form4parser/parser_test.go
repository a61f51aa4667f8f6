package form4parser

import "testing"

const sampleForm4 = `<?xml version="1.0"?>
<ownershipDocument>
  <documentType>4</documentType>
  <issuer>
    <issuerCik>0000320193</issuerCik>
    <issuerName>Apple Inc.</issuerName>
    <issuerTradingSymbol>AAPL</issuerTradingSymbol>
  </issuer>
  <reportingOwner>
    <reportingOwnerId>
      <rptOwnerCik>0001214156</rptOwnerCik>
      <rptOwnerName>COOK TIMOTHY D</rptOwnerName>
    </reportingOwnerId>
    <reportingOwnerRelationship>
      <isDirector>1</isDirector>
      <isOfficer>1</isOfficer>
      <isTenPercentOwner>0</isTenPercentOwner>
      <officerTitle>Chief Executive Officer</officerTitle>
    </reportingOwnerRelationship>
  </reportingOwner>
  <nonDerivativeTable>
    <nonDerivativeTransaction>
      <securityTitle><value>Common Stock</value></securityTitle>
      <transactionDate><value>2024-03-01</value></transactionDate>
      <transactionCoding>
        <transactionCode>S</transactionCode>
      </transactionCoding>
      <transactionAmounts>
        <transactionShares><value>5,000</value></transactionShares>
        <transactionPricePerShare><value>180.50</value></transactionPricePerShare>
        <transactionAcquiredDisposedCode><value>D</value></transactionAcquiredDisposedCode>
      </transactionAmounts>
      <postTransactionAmounts>
        <sharesOwnedFollowingTransaction><value>3300000</value></sharesOwnedFollowingTransaction>
      </postTransactionAmounts>
      <transactionFootnoteIds>
        <footnoteId id="F1"/>
      </transactionFootnoteIds>
    </nonDerivativeTransaction>
  </nonDerivativeTable>
  <derivativeTable>
    <derivativeTransaction>
      <securityTitle><value>Restricted Stock Unit</value></securityTitle>
      <transactionDate><value>2024-03-01</value></transactionDate>
      <transactionCoding>
        <transactionCode>M</transactionCode>
      </transactionCoding>
      <transactionAmounts>
        <transactionShares><value>1000</value></transactionShares>
      </transactionAmounts>
    </derivativeTransaction>
  </derivativeTable>
  <footnotes>
    <footnote id="F1">Sale pursuant to a Rule 10b5-1 trading plan.</footnote>
  </footnotes>
</ownershipDocument>`

func TestParseBasicFiling(t *testing.T) {
	parsed, err := Parse(sampleForm4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if parsed.IssuerCIK != "0000320193" {
		t.Errorf("issuer cik = %q", parsed.IssuerCIK)
	}
	if parsed.IssuerTradingSymbol != "AAPL" {
		t.Errorf("symbol = %q", parsed.IssuerTradingSymbol)
	}
	if len(parsed.ReportingOwners) != 1 {
		t.Fatalf("expected 1 reporting owner, got %d", len(parsed.ReportingOwners))
	}

	owner := parsed.ReportingOwners[0]
	if owner.OwnerCIK != "0001214156" {
		t.Errorf("owner cik = %q", owner.OwnerCIK)
	}
	if owner.IsOfficer == nil || !*owner.IsOfficer {
		t.Error("expected is_officer true")
	}
	if owner.IsTenPercentOwner == nil || *owner.IsTenPercentOwner {
		t.Error("expected is_ten_percent_owner false")
	}
	if owner.OfficerTitle != "Chief Executive Officer" {
		t.Errorf("officer title = %q", owner.OfficerTitle)
	}

	if len(parsed.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(parsed.Transactions))
	}

	nd := parsed.Transactions[0]
	if nd.IsDerivative {
		t.Error("expected first transaction to be non-derivative")
	}
	if nd.TransactionCode != "S" {
		t.Errorf("transaction code = %q", nd.TransactionCode)
	}
	if nd.Shares == nil || *nd.Shares != 5000 {
		t.Errorf("shares = %v (expected comma-stripped 5000)", nd.Shares)
	}
	if nd.SharesOwnedFollowing == nil || *nd.SharesOwnedFollowing != 3300000 {
		t.Errorf("shares owned following = %v", nd.SharesOwnedFollowing)
	}
	if ids, ok := nd.RawPayload["footnote_ids"].([]string); !ok || len(ids) != 1 || ids[0] != "F1" {
		t.Errorf("footnote ids = %v", nd.RawPayload["footnote_ids"])
	}
	notes, ok := nd.RawPayload["footnotes"].([]map[string]string)
	if !ok || len(notes) != 1 || notes[0]["text"] != "Sale pursuant to a Rule 10b5-1 trading plan." {
		t.Errorf("footnotes = %v", nd.RawPayload["footnotes"])
	}

	d := parsed.Transactions[1]
	if !d.IsDerivative {
		t.Error("expected second transaction to be derivative")
	}
	if d.TransactionCode != "M" {
		t.Errorf("derivative transaction code = %q", d.TransactionCode)
	}
}

func TestParseMissingOwnershipDocumentErrors(t *testing.T) {
	if _, err := Parse(`<somethingElse/>`); err == nil {
		t.Fatal("expected error for document without ownershipDocument")
	}
}

func TestParseToleratesMissingValues(t *testing.T) {
	const xml = `<ownershipDocument>
		<issuer><issuerCik>1</issuerCik></issuer>
		<nonDerivativeTable>
			<nonDerivativeTransaction>
				<transactionAmounts>
					<transactionShares><value>not-a-number</value></transactionShares>
				</transactionAmounts>
			</nonDerivativeTransaction>
		</nonDerivativeTable>
	</ownershipDocument>`

	parsed, err := Parse(xml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(parsed.Transactions))
	}
	if parsed.Transactions[0].Shares != nil {
		t.Error("expected unparseable shares to be nil, not zero")
	}
}
