package streaming

// longRunning lists tools whose results are always worth streaming.
var longRunning = map[string]struct{}{
	"export_orders":        {},
	"generate_report":      {},
	"bulk_update_products": {},
	"analyze_sales":        {},
	"sync_inventory":       {},
}

// RequiresStreaming reports whether the named tool is known to be
// long-running.
func RequiresStreaming(name string) bool {
	_, ok := longRunning[name]
	return ok
}
