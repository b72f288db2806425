package billing

// Processor subscription statuses.
const (
	ProcessorStatusActive            = "active"
	ProcessorStatusTrialing          = "trialing"
	ProcessorStatusPastDue           = "past_due"
	ProcessorStatusCanceled          = "canceled"
	ProcessorStatusUnpaid            = "unpaid"
	ProcessorStatusIncomplete        = "incomplete"
	ProcessorStatusIncompleteExpired = "incomplete_expired"
	ProcessorStatusPaused            = "paused"
)

// processorStatusTable maps every processor status to its local status.
var processorStatusTable = map[string]Status{
	ProcessorStatusActive:            StatusActive,
	ProcessorStatusTrialing:          StatusTrialing,
	ProcessorStatusPastDue:           StatusPastDue,
	ProcessorStatusCanceled:          StatusCanceled,
	ProcessorStatusUnpaid:            StatusUnpaid,
	ProcessorStatusIncomplete:        StatusUnpaid,
	ProcessorStatusIncompleteExpired: StatusCanceled,
	ProcessorStatusPaused:            StatusPastDue,
}

// MapProcessorStatus maps a processor subscription status to the local enum.
// Unknown statuses map to unpaid and report ok=false.
func MapProcessorStatus(external string) (status Status, ok bool) {
	status, ok = processorStatusTable[external]
	if !ok {
		return StatusUnpaid, false
	}
	return status, true
}

// SyncStatus is the coarser reduction used by Sync: anything the processor
// considers billable is active, everything else is unpaid.
func SyncStatus(external string) Status {
	switch external {
	case ProcessorStatusActive, ProcessorStatusTrialing:
		return StatusActive
	default:
		return StatusUnpaid
	}
}

// KnownProcessorStatuses lists every processor status the table covers.
func KnownProcessorStatuses() []string {
	out := make([]string, 0, len(processorStatusTable))
	for k := range processorStatusTable {
		out = append(out, k)
	}
	return out
}
