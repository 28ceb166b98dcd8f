package domain

var transitions = map[InvoiceStatus]map[InvoiceStatus]struct{}{
	InvoiceStatusDraft: {
		InvoiceStatusConfirmed:  {},
		InvoiceStatusCancelled:  {},
		InvoiceStatusSuperseded: {},
	},
	InvoiceStatusConfirmed: {
		InvoiceStatusSent:       {},
		InvoiceStatusCancelled:  {},
		InvoiceStatusSuperseded: {},
	},
	InvoiceStatusSent: {
		InvoiceStatusPaid:        {},
		InvoiceStatusPartialPaid: {},
		InvoiceStatusOverdue:     {},
	},
	InvoiceStatusPartialPaid: {
		InvoiceStatusPaid:    {},
		InvoiceStatusOverdue: {},
	},
	InvoiceStatusOverdue: {
		InvoiceStatusPaid:        {},
		InvoiceStatusPartialPaid: {},
	},
}

// CanTransition reports whether an invoice may move from one status to another.
func CanTransition(from, to InvoiceStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether no further transition leaves the status.
func IsTerminal(status InvoiceStatus) bool {
	return len(transitions[status]) == 0
}

// Regenerable reports whether a current invoice in this status may be replaced by a new version.
func Regenerable(status InvoiceStatus) bool {
	return status == InvoiceStatusDraft
}

// CarriesBalance reports whether an invoice in this status contributes to the next month's previous balance.
func CarriesBalance(status InvoiceStatus) bool {
	switch status {
	case InvoiceStatusSent, InvoiceStatusOverdue, InvoiceStatusPartialPaid:
		return true
	default:
		return false
	}
}

// BalanceStatuses lists the statuses for which CarriesBalance is true.
func BalanceStatuses() []InvoiceStatus {
	return []InvoiceStatus{InvoiceStatusSent, InvoiceStatusOverdue, InvoiceStatusPartialPaid}
}
