package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	predictionsServed  atomic.Int64
	explanationsServed atomic.Int64
	whatIfRequests     atomic.Int64
	whatIfRejected     atomic.Int64
	eventsIngested     atomic.Int64
	batchesRejected    atomic.Int64
)

func ObservePrediction()          { predictionsServed.Add(1) }
func ObserveExplanation()         { explanationsServed.Add(1) }
func ObserveWhatIf()              { whatIfRequests.Add(1) }
func ObserveWhatIfRejected()      { whatIfRejected.Add(1) }
func ObserveEventsIngested(n int) { eventsIngested.Add(int64(n)) }
func ObserveBatchRejected()       { batchesRejected.Add(1) }

// Handler serves the counters in Prometheus text exposition format.
func Handler(w http.ResponseWriter, r *http.Request) {
	WritePrometheus(w)
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP clinsight_predictions_served_total Number of risk predictions served.\n")
	fmt.Fprintf(w, "# TYPE clinsight_predictions_served_total counter\n")
	fmt.Fprintf(w, "clinsight_predictions_served_total %d\n", predictionsServed.Load())

	fmt.Fprintf(w, "# HELP clinsight_explanations_served_total Number of attribution requests served.\n")
	fmt.Fprintf(w, "# TYPE clinsight_explanations_served_total counter\n")
	fmt.Fprintf(w, "clinsight_explanations_served_total %d\n", explanationsServed.Load())

	fmt.Fprintf(w, "# HELP clinsight_whatif_requests_total Number of what-if re-scoring requests served.\n")
	fmt.Fprintf(w, "# TYPE clinsight_whatif_requests_total counter\n")
	fmt.Fprintf(w, "clinsight_whatif_requests_total %d\n", whatIfRequests.Load())

	fmt.Fprintf(w, "# HELP clinsight_whatif_rejected_total Number of what-if requests rejected as invalid.\n")
	fmt.Fprintf(w, "# TYPE clinsight_whatif_rejected_total counter\n")
	fmt.Fprintf(w, "clinsight_whatif_rejected_total %d\n", whatIfRejected.Load())

	fmt.Fprintf(w, "# HELP clinsight_events_ingested_total Number of clinical events accepted by ingestion.\n")
	fmt.Fprintf(w, "# TYPE clinsight_events_ingested_total counter\n")
	fmt.Fprintf(w, "clinsight_events_ingested_total %d\n", eventsIngested.Load())

	fmt.Fprintf(w, "# HELP clinsight_ingest_batches_rejected_total Number of ingestion batches rejected by validation.\n")
	fmt.Fprintf(w, "# TYPE clinsight_ingest_batches_rejected_total counter\n")
	fmt.Fprintf(w, "clinsight_ingest_batches_rejected_total %d\n", batchesRejected.Load())
}
