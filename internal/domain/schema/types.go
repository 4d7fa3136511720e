package schema

// EventType is the string tag events are routed by.
type EventType string

// Domain groups event types by the collaborator that owns them.
type Domain string

const (
	// DomainData covers file selection, loading and validation.
	DomainData Domain = "data"
	// DomainAnalysis covers the analysis engine lifecycle.
	DomainAnalysis Domain = "analysis"
	// DomainUI covers user actions raised by the interface.
	DomainUI Domain = "ui"
	// DomainReport covers report generation.
	DomainReport Domain = "report"
	// DomainStatus covers status, warning and error notices.
	DomainStatus Domain = "status"
	// DomainApplication covers process lifecycle.
	DomainApplication Domain = "application"
	// DomainUnknown marks tags outside the taxonomy.
	DomainUnknown Domain = "unknown"
)

// Data lifecycle events.
const (
	// EventTypeFileSelected carries FileSelected.
	EventTypeFileSelected EventType = "file_selected"
	// EventTypeDataLoaded carries DataLoaded.
	EventTypeDataLoaded EventType = "data_loaded"
	// EventTypeDataLoadFailed carries DataLoadFailed.
	EventTypeDataLoadFailed EventType = "data_load_failed"
	// EventTypeDataValidated carries DataValidated.
	EventTypeDataValidated EventType = "data_validated"
	// EventTypeDataValidationFailed carries DataValidationFailed.
	EventTypeDataValidationFailed EventType = "data_validation_failed"
)

// Analysis lifecycle events.
const (
	// EventTypeAnalysisStarted carries AnalysisStarted.
	EventTypeAnalysisStarted EventType = "analysis_started"
	// EventTypeAnalysisProgress carries AnalysisProgress.
	EventTypeAnalysisProgress EventType = "analysis_progress"
	// EventTypeAnalysisCompleted carries AnalysisCompleted.
	EventTypeAnalysisCompleted EventType = "analysis_completed"
	// EventTypeAnalysisFailed carries AnalysisFailed.
	EventTypeAnalysisFailed EventType = "analysis_failed"
)

// UI action events.
const (
	// EventTypeSoldierSelected carries SoldierSelected.
	EventTypeSoldierSelected EventType = "soldier_selected"
	// EventTypeSoldiersSelected carries SoldiersSelected.
	EventTypeSoldiersSelected EventType = "soldiers_selected"
	// EventTypeReportGenerationRequested carries ReportGenerationRequested.
	EventTypeReportGenerationRequested EventType = "report_generation_requested"
	// EventTypeOutputDirectoryChanged carries OutputDirectoryChanged.
	EventTypeOutputDirectoryChanged EventType = "output_directory_changed"
)

// Report lifecycle events.
const (
	// EventTypeReportStarted carries ReportStarted.
	EventTypeReportStarted EventType = "report_started"
	// EventTypeReportProgress carries ReportProgress.
	EventTypeReportProgress EventType = "report_progress"
	// EventTypeReportCompleted carries ReportCompleted.
	EventTypeReportCompleted EventType = "report_completed"
	// EventTypeReportFailed carries ReportFailed.
	EventTypeReportFailed EventType = "report_failed"
	// EventTypeBatchReportStarted carries BatchReportStarted.
	EventTypeBatchReportStarted EventType = "batch_report_started"
	// EventTypeBatchReportCompleted carries BatchReportCompleted.
	EventTypeBatchReportCompleted EventType = "batch_report_completed"
)

// Status and error events.
const (
	// EventTypeStatusUpdate carries StatusUpdate.
	EventTypeStatusUpdate EventType = "status_update"
	// EventTypeErrorOccurred carries ErrorOccurred.
	EventTypeErrorOccurred EventType = "error_occurred"
	// EventTypeWarningIssued carries WarningIssued.
	EventTypeWarningIssued EventType = "warning_issued"
)

// Application lifecycle events.
const (
	// EventTypeApplicationStarted carries ApplicationStarted.
	EventTypeApplicationStarted EventType = "application_started"
	// EventTypeApplicationShutdown carries ApplicationShutdown.
	EventTypeApplicationShutdown EventType = "application_shutdown"
)

var knownTypes = []struct {
	typ    EventType
	domain Domain
}{
	{EventTypeFileSelected, DomainData},
	{EventTypeDataLoaded, DomainData},
	{EventTypeDataLoadFailed, DomainData},
	{EventTypeDataValidated, DomainData},
	{EventTypeDataValidationFailed, DomainData},
	{EventTypeAnalysisStarted, DomainAnalysis},
	{EventTypeAnalysisProgress, DomainAnalysis},
	{EventTypeAnalysisCompleted, DomainAnalysis},
	{EventTypeAnalysisFailed, DomainAnalysis},
	{EventTypeSoldierSelected, DomainUI},
	{EventTypeSoldiersSelected, DomainUI},
	{EventTypeReportGenerationRequested, DomainUI},
	{EventTypeOutputDirectoryChanged, DomainUI},
	{EventTypeReportStarted, DomainReport},
	{EventTypeReportProgress, DomainReport},
	{EventTypeReportCompleted, DomainReport},
	{EventTypeReportFailed, DomainReport},
	{EventTypeBatchReportStarted, DomainReport},
	{EventTypeBatchReportCompleted, DomainReport},
	{EventTypeStatusUpdate, DomainStatus},
	{EventTypeErrorOccurred, DomainStatus},
	{EventTypeWarningIssued, DomainStatus},
	{EventTypeApplicationStarted, DomainApplication},
	{EventTypeApplicationShutdown, DomainApplication},
}

var domainByType = func() map[EventType]Domain {
	out := make(map[EventType]Domain, len(knownTypes))
	for _, entry := range knownTypes {
		out[entry.typ] = entry.domain
	}
	return out
}()

// KnownTypes returns the taxonomy in declaration order.
func KnownTypes() []EventType {
	out := make([]EventType, 0, len(knownTypes))
	for _, entry := range knownTypes {
		out = append(out, entry.typ)
	}
	return out
}

// TypesInDomain returns the tags belonging to one domain.
func TypesInDomain(domain Domain) []EventType {
	var out []EventType
	for _, entry := range knownTypes {
		if entry.domain == domain {
			out = append(out, entry.typ)
		}
	}
	return out
}

// Known reports whether the tag belongs to the taxonomy.
func (t EventType) Known() bool {
	_, ok := domainByType[t]
	return ok
}

// Domain returns the group owning the tag.
func (t EventType) Domain() Domain {
	if d, ok := domainByType[t]; ok {
		return d
	}
	return DomainUnknown
}

func (t EventType) String() string { return string(t) }
