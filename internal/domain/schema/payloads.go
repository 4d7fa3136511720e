package schema

import (
	"fmt"
	"strings"
)

// Payload shapes are the contract between collaborators; the bus never validates them.

// FileSelected announces the dataset file chosen by the operator.
type FileSelected struct {
	FilePath string `json:"file_path"`
}

// DataLoaded announces a dataset that finished loading.
type DataLoaded struct {
	Dataset     any    `json:"-"`
	FilePath    string `json:"file_path"`
	RecordCount int    `json:"record_count"`
}

// DataLoadFailed reports a dataset that could not be loaded.
type DataLoadFailed struct {
	FilePath string `json:"file_path"`
	Error    string `json:"error"`
}

// DataValidated reports a dataset that passed validation.
type DataValidated struct {
	RecordCount int      `json:"record_count"`
	Warnings    []string `json:"warnings,omitempty"`
}

// DataValidationFailed reports validation errors.
type DataValidationFailed struct {
	Errors []string `json:"errors"`
}

// AnalysisStarted marks the start of an analysis run.
type AnalysisStarted struct {
	AnalysisType string `json:"analysis_type"`
}

// AnalysisProgress reports incremental analysis progress.
type AnalysisProgress struct {
	AnalysisType string `json:"analysis_type"`
	Completed    int    `json:"completed"`
	Total        int    `json:"total"`
	Message      string `json:"message,omitempty"`
}

// Percent returns completion in [0,100]; zero when Total is unknown.
func (p AnalysisProgress) Percent() int {
	if p.Total <= 0 || p.Completed <= 0 {
		return 0
	}
	if p.Completed >= p.Total {
		return 100
	}
	return p.Completed * 100 / p.Total
}

// AnalysisCompleted carries analysis results.
type AnalysisCompleted struct {
	Results      any    `json:"-"`
	AnalysisType string `json:"analysis_type"`
}

// AnalysisFailed reports an analysis error.
type AnalysisFailed struct {
	AnalysisType string `json:"analysis_type"`
	Error        string `json:"error"`
}

// SoldierSelected announces a single soldier selection in the UI.
type SoldierSelected struct {
	Callsign string `json:"callsign"`
}

// SoldiersSelected announces a multi-selection in the UI.
type SoldiersSelected struct {
	Callsigns []string `json:"callsigns"`
}

// ReportGenerationRequested asks the report service to render reports.
type ReportGenerationRequested struct {
	Callsigns       []string `json:"soldier_callsigns"`
	OutputDirectory string   `json:"output_directory"`
}

// Count returns the number of requested reports.
func (r ReportGenerationRequested) Count() int { return len(r.Callsigns) }

// OutputDirectoryChanged announces a new report output directory.
type OutputDirectoryChanged struct {
	Directory string `json:"directory"`
}

// ReportStarted marks the start of one report.
type ReportStarted struct {
	Callsign string `json:"callsign"`
}

// ReportProgress reports progress on one report.
type ReportProgress struct {
	Callsign string `json:"callsign"`
	Step     string `json:"step"`
	Percent  int    `json:"percent"`
}

// ReportCompleted announces a rendered report.
type ReportCompleted struct {
	Callsign   string `json:"callsign"`
	OutputPath string `json:"output_path"`
}

// ReportFailed reports a rendering error.
type ReportFailed struct {
	Callsign string `json:"callsign"`
	Error    string `json:"error"`
}

// BatchReportStarted marks the start of a batch.
type BatchReportStarted struct {
	Count int `json:"count"`
}

// BatchReportCompleted summarises a finished batch.
type BatchReportCompleted struct {
	Succeeded       int    `json:"succeeded"`
	Failed          int    `json:"failed"`
	OutputDirectory string `json:"output_directory"`
}

// StatusUpdate is a free-text status line for the UI.
type StatusUpdate struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// ErrorOccurred reports an error surfaced to the operator.
type ErrorOccurred struct {
	Error     string `json:"error_message"`
	ErrorType string `json:"error_type"`
	Context   string `json:"context,omitempty"`
}

// WarningIssued reports a non-fatal warning.
type WarningIssued struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// ApplicationStarted marks process start-up.
type ApplicationStarted struct {
	Version string `json:"version,omitempty"`
}

// ApplicationShutdown marks process shutdown.
type ApplicationShutdown struct {
	Reason string `json:"reason,omitempty"`
}

// PayloadAs returns the event payload as T.
func PayloadAs[T any](evt *Event) (T, bool) {
	var zero T
	if evt == nil {
		return zero, false
	}
	typed, ok := evt.Payload().(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

type lengther interface {
	Len() int
}

// NewFileSelected builds a file_selected event.
func NewFileSelected(path string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeFileSelected, FileSelected{FilePath: path}, opts...)
}

// NewDataLoaded builds a data_loaded event. RecordCount is taken from the dataset
// when it exposes Len() int.
func NewDataLoaded(dataset any, path string, opts ...EventOption) (*Event, error) {
	count := 0
	if l, ok := dataset.(lengther); ok {
		count = l.Len()
	}
	return NewEvent(EventTypeDataLoaded, DataLoaded{Dataset: dataset, FilePath: path, RecordCount: count}, opts...)
}

// NewDataLoadFailed builds a data_load_failed event.
func NewDataLoadFailed(path string, cause error, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeDataLoadFailed, DataLoadFailed{FilePath: path, Error: errorText(cause)}, opts...)
}

// NewDataValidated builds a data_validated event.
func NewDataValidated(recordCount int, warnings []string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeDataValidated, DataValidated{
		RecordCount: recordCount,
		Warnings:    append([]string(nil), warnings...),
	}, opts...)
}

// NewDataValidationFailed builds a data_validation_failed event.
func NewDataValidationFailed(problems []string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeDataValidationFailed, DataValidationFailed{Errors: append([]string(nil), problems...)}, opts...)
}

// NewAnalysisStarted builds an analysis_started event.
func NewAnalysisStarted(analysisType string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeAnalysisStarted, AnalysisStarted{AnalysisType: analysisType}, opts...)
}

// NewAnalysisProgress builds an analysis_progress event.
func NewAnalysisProgress(analysisType string, completed, total int, message string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeAnalysisProgress, AnalysisProgress{
		AnalysisType: analysisType,
		Completed:    completed,
		Total:        total,
		Message:      message,
	}, opts...)
}

// NewAnalysisCompleted builds an analysis_completed event.
func NewAnalysisCompleted(results any, analysisType string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeAnalysisCompleted, AnalysisCompleted{Results: results, AnalysisType: analysisType}, opts...)
}

// NewAnalysisFailed builds an analysis_failed event.
func NewAnalysisFailed(analysisType string, cause error, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeAnalysisFailed, AnalysisFailed{AnalysisType: analysisType, Error: errorText(cause)}, opts...)
}

// NewSoldierSelected builds a soldier_selected event.
func NewSoldierSelected(callsign string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeSoldierSelected, SoldierSelected{Callsign: callsign}, opts...)
}

// NewSoldiersSelected builds a soldiers_selected event.
func NewSoldiersSelected(callsigns []string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeSoldiersSelected, SoldiersSelected{Callsigns: append([]string(nil), callsigns...)}, opts...)
}

// NewReportGenerationRequested builds a report_generation_requested event.
func NewReportGenerationRequested(callsigns []string, outputDir string, opts ...EventOption) (*Event, error) {
	copied := append([]string(nil), callsigns...)
	return NewEvent(EventTypeReportGenerationRequested, ReportGenerationRequested{
		Callsigns:       copied,
		OutputDirectory: outputDir,
	}, opts...)
}

// NewOutputDirectoryChanged builds an output_directory_changed event.
func NewOutputDirectoryChanged(dir string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeOutputDirectoryChanged, OutputDirectoryChanged{Directory: dir}, opts...)
}

// NewReportStarted builds a report_started event.
func NewReportStarted(callsign string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeReportStarted, ReportStarted{Callsign: callsign}, opts...)
}

// NewReportProgress builds a report_progress event. Percent is clamped to [0,100].
func NewReportProgress(callsign, step string, percent int, opts ...EventOption) (*Event, error) {
	percent = min(max(percent, 0), 100)
	return NewEvent(EventTypeReportProgress, ReportProgress{Callsign: callsign, Step: step, Percent: percent}, opts...)
}

// NewReportCompleted builds a report_completed event.
func NewReportCompleted(callsign, outputPath string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeReportCompleted, ReportCompleted{Callsign: callsign, OutputPath: outputPath}, opts...)
}

// NewReportFailed builds a report_failed event.
func NewReportFailed(callsign string, cause error, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeReportFailed, ReportFailed{Callsign: callsign, Error: errorText(cause)}, opts...)
}

// NewBatchReportStarted builds a batch_report_started event.
func NewBatchReportStarted(count int, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeBatchReportStarted, BatchReportStarted{Count: count}, opts...)
}

// NewBatchReportCompleted builds a batch_report_completed event.
func NewBatchReportCompleted(succeeded, failed int, outputDir string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeBatchReportCompleted, BatchReportCompleted{
		Succeeded:       succeeded,
		Failed:          failed,
		OutputDirectory: outputDir,
	}, opts...)
}

// NewStatusUpdate builds a status_update event. Level defaults to "info".
func NewStatusUpdate(message, level string, opts ...EventOption) (*Event, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	return NewEvent(EventTypeStatusUpdate, StatusUpdate{Message: message, Level: level}, opts...)
}

// NewErrorOccurred builds an error_occurred event from a Go error.
func NewErrorOccurred(cause error, context string, opts ...EventOption) (*Event, error) {
	errType := ""
	if cause != nil {
		errType = fmt.Sprintf("%T", cause)
	}
	return NewEvent(EventTypeErrorOccurred, ErrorOccurred{
		Error:     errorText(cause),
		ErrorType: errType,
		Context:   context,
	}, opts...)
}

// NewWarningIssued builds a warning_issued event.
func NewWarningIssued(message, context string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeWarningIssued, WarningIssued{Message: message, Context: context}, opts...)
}

// NewApplicationStarted builds an application_started event.
func NewApplicationStarted(version string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeApplicationStarted, ApplicationStarted{Version: version}, opts...)
}

// NewApplicationShutdown builds an application_shutdown event.
func NewApplicationShutdown(reason string, opts ...EventOption) (*Event, error) {
	return NewEvent(EventTypeApplicationShutdown, ApplicationShutdown{Reason: reason}, opts...)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
