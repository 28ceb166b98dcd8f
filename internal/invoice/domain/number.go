package domain

import "fmt"

const AgencySequencePrefix = "AGY"

// BranchCodeLength is the length of the store code prefix that names a branch.
const BranchCodeLength = 4

// BranchInvoiceNumber formats INV-YYYYMM-<code>-v<version>.
func BranchInvoiceNumber(p Period, branchCode string, version int) string {
	return fmt.Sprintf("INV-%s-%s-v%d", p.Compact(), branchCode, version)
}

// AgencyInvoiceNumber formats AGY-YYYYMM-<seq>.
func AgencyInvoiceNumber(p Period, seq int64) string {
	return fmt.Sprintf("%s-%s-%03d", AgencySequencePrefix, p.Compact(), seq)
}

// BranchCode returns the first BranchCodeLength characters of a store code.
func BranchCode(storeCode string) string {
	runes := []rune(storeCode)
	if len(runes) <= BranchCodeLength {
		return storeCode
	}
	return string(runes[:BranchCodeLength])
}
