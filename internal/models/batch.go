package models

// BatchStatus 批次(lote)状态
type BatchStatus string

const (
	BatchPending    BatchStatus = "pendiente"
	BatchProcessing BatchStatus = "procesando"
	BatchCompleted  BatchStatus = "completado"
	BatchError      BatchStatus = "error"
)

// Batch is a bounded, contiguous page range of one source document.
// Batches are not persisted with sessions.
type Batch struct {
	ID             int         `json:"id"`
	TotalBatches   int         `json:"totalBatches"`
	PageRangeStart int         `json:"pageRangeStart"`
	PageRangeEnd   int         `json:"pageRangeEnd"`
	Status         BatchStatus `json:"estado"`
}

// PagesInBatch returns the inclusive size of the page range.
func (b Batch) PagesInBatch() int {
	return b.PageRangeEnd - b.PageRangeStart + 1
}

// EstimateMethod tells how a page count was obtained.
type EstimateMethod string

const (
	MethodAuthoritative EstimateMethod = "authoritative"
	MethodHeuristic     EstimateMethod = "heuristic"
)

// PageCountEstimate is a best-effort page count, always >= 1.
type PageCountEstimate struct {
	PageCount int            `json:"pageCount"`
	Method    EstimateMethod `json:"method"`
}
