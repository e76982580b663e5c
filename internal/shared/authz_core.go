package shared

// Ledger and alert permissions.
const (
	PermLedgerSale     = "ledger.sale"
	PermLedgerReturn   = "ledger.return"
	PermLedgerReceive  = "ledger.receive"
	PermLedgerTransfer = "ledger.transfer"
	PermLedgerAdjust   = "ledger.adjust"
	PermLedgerView     = "ledger.view"
	PermLedgerAdmin    = "ledger.admin"

	PermAlertsView = "alerts.view"
	PermAlertsEdit = "alerts.edit"
)

// LedgerScopes lists every permission known to the back office.
func LedgerScopes() []string {
	return []string{
		PermLedgerSale,
		PermLedgerReturn,
		PermLedgerReceive,
		PermLedgerTransfer,
		PermLedgerAdjust,
		PermLedgerView,
		PermLedgerAdmin,
		PermAlertsView,
		PermAlertsEdit,
	}
}
